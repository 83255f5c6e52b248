package settlement

import (
	"testing"

	"github.com/decred/slog"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikky00B/Chess-Arena/arena"
)

const testJudgeKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

var testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(testJudgeKey, testContract, slog.Disabled)
	require.NoError(t, err)
	return s
}

func wonSnapshot(id uint64) arena.Snapshot {
	return arena.Snapshot{
		ID:       id,
		Outcome:  arena.OutcomeCheckmate,
		WinnerID: "w1",
		White: arena.Participant{
			ID:      "w1",
			Address: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		},
		Black: arena.Participant{
			ID:      "b1",
			Address: "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
		},
	}
}

func TestNewSigner_Validation(t *testing.T) {
	_, err := NewSigner("", testContract, slog.Disabled)
	assert.ErrorIs(t, err, ErrJudgeKeyUnavailable)

	_, err = NewSigner("not-hex", testContract, slog.Disabled)
	assert.ErrorIs(t, err, ErrJudgeKeyUnavailable)

	_, err = NewSigner(testJudgeKey, common.Address{}, slog.Disabled)
	assert.ErrorIs(t, err, ErrContractAddressUnset)
}

func TestAuthorize_WinSignatureRecoversJudge(t *testing.T) {
	s := newTestSigner(t)

	auth, err := s.Authorize(wonSnapshot(7))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), auth.MatchID)
	assert.False(t, auth.Draw)
	assert.Contains(t, []uint8{27, 28}, auth.V)

	recovered, err := RecoverSigner(auth.Digest, auth.V, auth.R, auth.S)
	require.NoError(t, err)
	assert.Equal(t, s.JudgeAddress(), recovered)
}

func TestAuthorize_DrawSignatureRecoversJudge(t *testing.T) {
	s := newTestSigner(t)

	snap := wonSnapshot(9)
	snap.Outcome = arena.OutcomeStalemate
	snap.WinnerID = ""

	auth, err := s.Authorize(snap)
	require.NoError(t, err)
	assert.True(t, auth.Draw)
	assert.Equal(t, common.Address{}, auth.Winner)

	recovered, err := RecoverSigner(auth.Digest, auth.V, auth.R, auth.S)
	require.NoError(t, err)
	assert.Equal(t, s.JudgeAddress(), recovered)
}

func TestAuthorize_Idempotent(t *testing.T) {
	s := newTestSigner(t)

	first, err := s.Authorize(wonSnapshot(7))
	require.NoError(t, err)
	second, err := s.Authorize(wonSnapshot(7))
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestDigests_Distinct(t *testing.T) {
	s := newTestSigner(t)

	winner := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	win, err := s.WinDigest(7, winner)
	require.NoError(t, err)
	draw, err := s.DrawDigest(7)
	require.NoError(t, err)
	assert.NotEqual(t, win, draw)

	// Different matches, different digests.
	win8, err := s.WinDigest(8, winner)
	require.NoError(t, err)
	assert.NotEqual(t, win, win8)
}

func TestAuthorize_Failures(t *testing.T) {
	s := newTestSigner(t)

	snap := wonSnapshot(7)
	snap.Outcome = arena.OutcomeNone
	_, err := s.Authorize(snap)
	assert.ErrorIs(t, err, ErrMatchNotSettleable)

	snap = wonSnapshot(7)
	snap.White.Address = ""
	_, err = s.Authorize(snap)
	assert.ErrorIs(t, err, ErrWinnerAddressMissing)

	// A failed authorization is not cached; fixing the address works.
	snap = wonSnapshot(7)
	auth, err := s.Authorize(snap)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(snap.White.Address), auth.Winner)
}
