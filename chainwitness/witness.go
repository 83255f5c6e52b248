package chainwitness

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/mikky00B/Chess-Arena/arena"
)

var ErrVerificationFailed = errors.New("chainwitness: verification failed")

// escrowABI mirrors the escrow contract's external surface. Only the
// calldata layouts matter here; the witness never calls the contract.
const escrowABI = `[
  {"type":"function","name":"deposit","stateMutability":"payable","inputs":[{"name":"game_id","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"claim_winnings","stateMutability":"nonpayable","inputs":[{"name":"game_id","type":"uint256"},{"name":"winner","type":"address"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"settle_draw","stateMutability":"nonpayable","inputs":[{"name":"game_id","type":"uint256"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"claim_abandonment","stateMutability":"nonpayable","inputs":[{"name":"game_id","type":"uint256"}],"outputs":[]}
]`

var escrow = mustParseABI(escrowABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Backend is the read-only chain access the witness needs.
// *ethclient.Client satisfies it.
type Backend interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Witness verifies client-reported transactions against the chain
// before the server trusts them. Clients report hashes; everything
// else (recipient, value, calldata, sender, receipt status) is read
// from the chain itself.
type Witness struct {
	backend  Backend
	contract common.Address
	log      slog.Logger

	verified *gocache.Cache

	chainMu sync.Mutex
	chainID *big.Int
}

func NewWitness(backend Backend, contract common.Address, log slog.Logger) *Witness {
	return &Witness{
		backend:  backend,
		contract: contract,
		log:      log,
		verified: gocache.New(24*time.Hour, time.Hour),
	}
}

func (w *Witness) signer(ctx context.Context) (types.Signer, error) {
	w.chainMu.Lock()
	defer w.chainMu.Unlock()
	if w.chainID == nil {
		id, err := w.backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain id: %w", err)
		}
		w.chainID = id
	}
	return types.LatestSignerForChainID(w.chainID), nil
}

// fetch returns the mined transaction, its sender, and its successful
// receipt, or a wrapped verification failure.
func (w *Witness) fetch(ctx context.Context, hash common.Hash) (*types.Transaction, common.Address, error) {
	tx, pending, err := w.backend.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: fetch %s: %v", ErrVerificationFailed, hash.Hex(), err)
	}
	if pending {
		return nil, common.Address{}, fmt.Errorf("%w: %s still pending", ErrVerificationFailed, hash.Hex())
	}
	if tx.To() == nil || *tx.To() != w.contract {
		return nil, common.Address{}, fmt.Errorf("%w: recipient is not the escrow contract", ErrVerificationFailed)
	}

	receipt, err := w.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: receipt %s: %v", ErrVerificationFailed, hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, common.Address{}, fmt.Errorf("%w: transaction reverted", ErrVerificationFailed)
	}

	signer, err := w.signer(ctx)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	from, err := types.Sender(signer, tx)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: sender recovery: %v", ErrVerificationFailed, err)
	}
	return tx, from, nil
}

func decodeCall(tx *types.Transaction) (*abi.Method, []interface{}, error) {
	data := tx.Data()
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("%w: calldata too short", ErrVerificationFailed)
	}
	method, err := escrow.MethodById(data[:4])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: unknown method: %v", ErrVerificationFailed, err)
	}
	vals, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: calldata decode: %v", ErrVerificationFailed, err)
	}
	return method, vals, nil
}

// StakeWei converts a stake denominated in ether to wei. Stakes are
// carried as decimals everywhere else; wei appears only at the chain
// boundary.
func StakeWei(stake decimal.Decimal) *big.Int {
	return stake.Mul(decimal.New(1, 18)).BigInt()
}

// VerifyDeposit checks that hash is a successful deposit(matchID) call
// to the escrow contract carrying exactly the stake, sent by depositor
// when a non-zero depositor is given. Verified hashes are cached.
func (w *Witness) VerifyDeposit(ctx context.Context, hash common.Hash, matchID uint64, stake decimal.Decimal, depositor common.Address) error {
	key := "deposit:" + hash.Hex()
	if _, ok := w.verified.Get(key); ok {
		return nil
	}

	tx, from, err := w.fetch(ctx, hash)
	if err != nil {
		return err
	}
	method, vals, err := decodeCall(tx)
	if err != nil {
		return err
	}
	if method.Name != "deposit" {
		return fmt.Errorf("%w: expected deposit, got %s", ErrVerificationFailed, method.Name)
	}
	gotID, ok := vals[0].(*big.Int)
	if !ok || !gotID.IsUint64() || gotID.Uint64() != matchID {
		return fmt.Errorf("%w: deposit is for a different match", ErrVerificationFailed)
	}
	if want := StakeWei(stake); tx.Value().Cmp(want) != 0 {
		return fmt.Errorf("%w: deposit value %s, want %s wei", ErrVerificationFailed, tx.Value(), want)
	}
	if depositor != (common.Address{}) && from != depositor {
		return fmt.Errorf("%w: deposit sent by %s, not the participant", ErrVerificationFailed, from.Hex())
	}

	w.verified.SetDefault(key, struct{}{})
	w.log.Debugf("match %d: deposit %s verified (from=%s)", matchID, hash.Hex(), from.Hex())
	return nil
}

// VerifyPayout checks that hash is a successful settlement call for
// the finished match: claim_winnings submitted for the recorded
// winner, or settle_draw submitted by either participant of a drawn
// match.
func (w *Witness) VerifyPayout(ctx context.Context, hash common.Hash, snap arena.Snapshot) error {
	key := "payout:" + hash.Hex()
	if _, ok := w.verified.Get(key); ok {
		return nil
	}
	if !snap.Outcome.Terminal() {
		return fmt.Errorf("%w: match is not finished", ErrVerificationFailed)
	}

	tx, from, err := w.fetch(ctx, hash)
	if err != nil {
		return err
	}
	method, vals, err := decodeCall(tx)
	if err != nil {
		return err
	}

	gotID, ok := vals[0].(*big.Int)
	if !ok || !gotID.IsUint64() || gotID.Uint64() != snap.ID {
		return fmt.Errorf("%w: payout is for a different match", ErrVerificationFailed)
	}

	switch method.Name {
	case "claim_winnings":
		if !snap.Outcome.Decisive() {
			return fmt.Errorf("%w: match has no winner", ErrVerificationFailed)
		}
		winner := w.winnerAddress(snap)
		if winner == (common.Address{}) {
			return fmt.Errorf("%w: winner has no payout address on record", ErrVerificationFailed)
		}
		claimed, ok := vals[1].(common.Address)
		if !ok || claimed != winner {
			return fmt.Errorf("%w: claimed winner does not match the result", ErrVerificationFailed)
		}
		if from != winner {
			return fmt.Errorf("%w: winnings claimed by %s, not the winner", ErrVerificationFailed, from.Hex())
		}

	case "settle_draw":
		if snap.Outcome.Decisive() {
			return fmt.Errorf("%w: match was decisive, not a draw", ErrVerificationFailed)
		}
		if !w.isParticipant(snap, from) {
			return fmt.Errorf("%w: draw settled by non-participant %s", ErrVerificationFailed, from.Hex())
		}

	default:
		return fmt.Errorf("%w: %s is not a settlement call", ErrVerificationFailed, method.Name)
	}

	w.verified.SetDefault(key, struct{}{})
	w.log.Debugf("match %d: payout %s verified (%s from=%s)", snap.ID, hash.Hex(), method.Name, from.Hex())
	return nil
}

func (w *Witness) winnerAddress(snap arena.Snapshot) common.Address {
	switch snap.WinnerID {
	case snap.White.ID:
		return common.HexToAddress(snap.White.Address)
	case snap.Black.ID:
		return common.HexToAddress(snap.Black.Address)
	}
	return common.Address{}
}

func (w *Witness) isParticipant(snap arena.Snapshot, addr common.Address) bool {
	if snap.White.Address != "" && common.HexToAddress(snap.White.Address) == addr {
		return true
	}
	if snap.Black.Address != "" && common.HexToAddress(snap.Black.Address) == addr {
		return true
	}
	return false
}
