package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
)

// Response is the error envelope for the HTTP API. Successful
// responses carry their own payload types.
type Response struct {
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

func renderErr(w http.ResponseWriter, r *http.Request, msg string, status int) {
	render.Status(r, status)
	render.JSON(w, r, Response{Status: status, Error: msg})
}

func validationError(errs validator.ValidationErrors) string {
	var msgs []string
	for _, err := range errs {
		switch err.ActualTag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("field %s is required", err.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("field %s is invalid", err.Field()))
		}
	}
	return strings.Join(msgs, ", ")
}
