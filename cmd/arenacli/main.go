package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var (
	flagServer  = flag.String("server", "http://localhost:8080", "Arena server base URL")
	flagNick    = flag.String("nick", "", "Nick to register a profile under")
	flagAddress = flag.String("address", "", "Payout address for the profile")
	flagCreate  = flag.String("create", "", "Create a match with this stake, e.g. 0.05")
	flagJoin    = flag.Uint64("join", 0, "Join the match with this id")
	flagWatch   = flag.Uint64("watch", 0, "Observe the match with this id")
	flagMatch   = flag.Uint64("match", 0, "Match id when connecting with an existing token")
	flagToken   = flag.String("token", "", "Existing session token")
)

type wireMsg struct {
	Type         string `json:"type"`
	Token        string `json:"token,omitempty"`
	Text         string `json:"text,omitempty"`
	From         string `json:"from,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Position     string `json:"position,omitempty"`
	Outcome      string `json:"outcome,omitempty"`
	Winner       string `json:"winner,omitempty"`
	WhiteClockMs int64  `json:"white_clock_ms,omitempty"`
	BlackClockMs int64  `json:"black_clock_ms,omitempty"`
	MoveCount    int    `json:"move_count,omitempty"`
	LastMove     string `json:"last_move,omitempty"`
}

func apiPost(path string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(*flagServer+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: %s (%s)", path, resp.Status, e.Error)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func setup() (matchID uint64, token string, err error) {
	profileID := ""
	if *flagNick != "" {
		var profile struct {
			ID string `json:"id"`
		}
		req := map[string]string{"nick": *flagNick, "address": *flagAddress}
		if err = apiPost("/api/profiles", req, &profile); err != nil {
			return
		}
		profileID = profile.ID
		fmt.Printf("profile %s registered as %s\n", *flagNick, profileID)
	}

	switch {
	case *flagCreate != "":
		var out struct {
			MatchID      uint64 `json:"match_id"`
			SessionToken string `json:"session_token"`
		}
		req := map[string]interface{}{"host_id": profileID, "stake": *flagCreate}
		if err = apiPost("/api/matches", req, &out); err != nil {
			return
		}
		fmt.Printf("match %d created\n", out.MatchID)
		return out.MatchID, out.SessionToken, nil

	case *flagJoin != 0:
		var out struct {
			SessionToken string `json:"session_token"`
		}
		req := map[string]string{"participant_id": profileID}
		if err = apiPost(fmt.Sprintf("/api/matches/%d/join", *flagJoin), req, &out); err != nil {
			return
		}
		fmt.Printf("joined match %d\n", *flagJoin)
		return *flagJoin, out.SessionToken, nil

	case *flagWatch != 0:
		var out struct {
			SessionToken string `json:"session_token"`
		}
		req := map[string]string{"nick": *flagNick}
		if err = apiPost(fmt.Sprintf("/api/matches/%d/observe", *flagWatch), req, &out); err != nil {
			return
		}
		return *flagWatch, out.SessionToken, nil

	case *flagToken != "" && *flagMatch != 0:
		return *flagMatch, *flagToken, nil
	}

	err = fmt.Errorf("one of -create, -join, -watch, or -match/-token is required")
	return
}

func printMsg(msg wireMsg) {
	switch msg.Type {
	case "state":
		fmt.Printf("[%s] wc=%s bc=%s last=%s\n%s\n",
			stateTag(msg),
			(time.Duration(msg.WhiteClockMs) * time.Millisecond).Round(time.Second),
			(time.Duration(msg.BlackClockMs) * time.Millisecond).Round(time.Second),
			msg.LastMove, msg.Position)
	case "chat":
		fmt.Printf("<%s> %s\n", msg.From, msg.Text)
	case "error":
		fmt.Printf("! %s\n", msg.Reason)
	}
}

func stateTag(msg wireMsg) string {
	if msg.Outcome == "" {
		return fmt.Sprintf("move %d", msg.MoveCount)
	}
	if msg.Winner != "" {
		return fmt.Sprintf("%s, winner %s", msg.Outcome, msg.Winner)
	}
	return msg.Outcome
}

func realMain() error {
	flag.Parse()

	matchID, token, err := setup()
	if err != nil {
		return err
	}

	wsURL := strings.Replace(*flagServer, "http", "ws", 1)
	url := fmt.Sprintf("%s/ws/matches/%d?token=%s", wsURL, matchID, token)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer ws.Close()
	fmt.Printf("connected to match %d (token %s)\n", matchID, token)
	fmt.Println(`commands: "e2e4" or "move e2e4", "resign", "say <text>", "quit"`)

	go func() {
		for {
			var msg wireMsg
			if err := ws.ReadJSON(&msg); err != nil {
				fmt.Println("connection closed:", err)
				os.Exit(0)
			}
			printMsg(msg)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var out wireMsg
		switch {
		case line == "quit":
			return nil
		case line == "resign":
			out = wireMsg{Type: "resign"}
		case strings.HasPrefix(line, "say "):
			out = wireMsg{Type: "chat", Text: strings.TrimPrefix(line, "say ")}
		case strings.HasPrefix(line, "move "):
			out = wireMsg{Type: "move", Token: strings.TrimPrefix(line, "move ")}
		default:
			out = wireMsg{Type: "move", Token: line}
		}
		if err := ws.WriteJSON(out); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintf(os.Stderr, "arenacli: %v\n", err)
		os.Exit(1)
	}
}
