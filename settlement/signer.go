package settlement

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/decred/slog"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mikky00B/Chess-Arena/arena"
)

var (
	ErrJudgeKeyUnavailable  = errors.New("settlement: judge key unavailable")
	ErrContractAddressUnset = errors.New("settlement: escrow contract address unset")
	ErrWinnerAddressMissing = errors.New("settlement: winner has no payout address")
	ErrSignatureIntegrity   = errors.New("settlement: signature fails self-verification")
	ErrMatchNotSettleable   = errors.New("settlement: match has no terminal outcome")
)

// drawMarker is the string the escrow contract hashes in place of a
// winner address when a match ends without one.
const drawMarker = "DRAW"

// personalPrefix is the EIP-191 personal-message prefix for a 32-byte
// payload.
const personalPrefix = "\x19Ethereum Signed Message:\n32"

// Authorization is one settlement signature over a finished match. The
// contract accepts (v, r, s) together with the match id; the digest is
// included so clients can verify before submitting.
type Authorization struct {
	MatchID uint64         `json:"match_id"`
	Draw    bool           `json:"draw"`
	Winner  common.Address `json:"winner"`
	Digest  common.Hash    `json:"digest"`
	V       uint8          `json:"v"`
	R       common.Hash    `json:"r"`
	S       common.Hash    `json:"s"`
}

// Signer produces settlement authorizations with the judge key. It is
// deterministic for a given final state and caches per match, so
// repeated requests are idempotent.
type Signer struct {
	key      *ecdsa.PrivateKey
	judge    common.Address
	contract common.Address
	log      slog.Logger

	mu    sync.Mutex
	cache map[uint64]*Authorization
}

// NewSigner parses the hex-encoded judge key. Signatures reference the
// escrow contract address, so both must be present.
func NewSigner(judgeKeyHex string, contract common.Address, log slog.Logger) (*Signer, error) {
	if judgeKeyHex == "" {
		return nil, ErrJudgeKeyUnavailable
	}
	if contract == (common.Address{}) {
		return nil, ErrContractAddressUnset
	}
	key, err := crypto.HexToECDSA(judgeKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJudgeKeyUnavailable, err)
	}
	return &Signer{
		key:      key,
		judge:    crypto.PubkeyToAddress(key.PublicKey),
		contract: contract,
		log:      log,
		cache:    make(map[uint64]*Authorization),
	}, nil
}

// JudgeAddress is the address the contract must be configured with.
func (s *Signer) JudgeAddress() common.Address { return s.judge }

func mustType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

var (
	winArgs = abi.Arguments{
		{Type: mustType("uint256")},
		{Type: mustType("address")},
		{Type: mustType("address")},
	}
	drawArgs = abi.Arguments{
		{Type: mustType("uint256")},
		{Type: mustType("string")},
		{Type: mustType("address")},
	}
)

// WinDigest is keccak256(abi.encode(matchID, winner, contract)), the
// exact preimage claim_winnings verifies.
func (s *Signer) WinDigest(matchID uint64, winner common.Address) (common.Hash, error) {
	packed, err := winArgs.Pack(new(big.Int).SetUint64(matchID), winner, s.contract)
	if err != nil {
		return common.Hash{}, fmt.Errorf("abi pack: %w", err)
	}
	return common.BytesToHash(crypto.Keccak256(packed)), nil
}

// DrawDigest is keccak256(abi.encode(matchID, "DRAW", contract)), the
// preimage settle_draw verifies.
func (s *Signer) DrawDigest(matchID uint64) (common.Hash, error) {
	packed, err := drawArgs.Pack(new(big.Int).SetUint64(matchID), drawMarker, s.contract)
	if err != nil {
		return common.Hash{}, fmt.Errorf("abi pack: %w", err)
	}
	return common.BytesToHash(crypto.Keccak256(packed)), nil
}

// Authorize returns the settlement signature for a finished match,
// producing it on first call and serving the cached copy afterwards.
// It reads only the final snapshot and never mutates match state.
func (s *Signer) Authorize(snap arena.Snapshot) (*Authorization, error) {
	if !snap.Outcome.Terminal() {
		return nil, ErrMatchNotSettleable
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if auth, ok := s.cache[snap.ID]; ok {
		return auth, nil
	}

	var (
		digest common.Hash
		winner common.Address
		draw   bool
		err    error
	)
	if snap.Outcome.Decisive() {
		addr := s.winnerAddress(snap)
		if addr == "" {
			return nil, ErrWinnerAddressMissing
		}
		winner = common.HexToAddress(addr)
		digest, err = s.WinDigest(snap.ID, winner)
	} else {
		draw = true
		digest, err = s.DrawDigest(snap.ID)
	}
	if err != nil {
		return nil, err
	}

	auth, err := s.sign(snap.ID, digest, winner, draw)
	if err != nil {
		return nil, err
	}
	s.cache[snap.ID] = auth
	s.log.Infof("match %d: settlement authorized (draw=%v winner=%s)",
		snap.ID, draw, winner.Hex())
	return auth, nil
}

func (s *Signer) winnerAddress(snap arena.Snapshot) string {
	switch snap.WinnerID {
	case snap.White.ID:
		return snap.White.Address
	case snap.Black.ID:
		return snap.Black.Address
	}
	return ""
}

func (s *Signer) sign(matchID uint64, digest common.Hash, winner common.Address, draw bool) (*Authorization, error) {
	wrapped := crypto.Keccak256([]byte(personalPrefix), digest.Bytes())
	sig, err := crypto.Sign(wrapped, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	// Self-verify before handing the signature out.
	pub, err := crypto.SigToPub(wrapped, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureIntegrity, err)
	}
	if crypto.PubkeyToAddress(*pub) != s.judge {
		return nil, ErrSignatureIntegrity
	}

	return &Authorization{
		MatchID: matchID,
		Draw:    draw,
		Winner:  winner,
		Digest:  digest,
		V:       sig[64] + 27,
		R:       common.BytesToHash(sig[:32]),
		S:       common.BytesToHash(sig[32:64]),
	}, nil
}

// RecoverSigner returns the address that produced (v, r, s) over
// digest under the personal-message wrap. Exposed for clients that
// want to check an authorization before paying gas.
func RecoverSigner(digest common.Hash, v uint8, r, sv common.Hash) (common.Address, error) {
	sig := make([]byte, 65)
	copy(sig[:32], r.Bytes())
	copy(sig[32:64], sv.Bytes())
	sig[64] = v - 27
	wrapped := crypto.Keccak256([]byte(personalPrefix), digest.Bytes())
	pub, err := crypto.SigToPub(wrapped, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
