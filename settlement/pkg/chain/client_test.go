package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/require"

	"github.com/powersol/settlement/settlement/pkg/apperr"
	"github.com/powersol/settlement/utils/pkg/retry"
	settlementtesting "github.com/powersol/settlement/utils/pkg/testing"
)

type fakeRPC struct {
	blockhashErrs []error
	blockhash     solana.Hash
	sendErr       error
	sent          [][]byte
	statuses      map[solana.Signature]*rpc.SignatureStatusesResult
	height        uint64
	heightErrs    []error
}

func (f *fakeRPC) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	if len(f.blockhashErrs) > 0 {
		err := f.blockhashErrs[0]
		f.blockhashErrs = f.blockhashErrs[1:]
		return nil, err
	}
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: f.blockhash, LastValidBlockHeight: 42}}, nil
}

func (f *fakeRPC) SendRawTransactionWithOpts(_ context.Context, raw []byte, _ rpc.TransactionOpts) (solana.Signature, error) {
	f.sent = append(f.sent, raw)
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return solana.Signature{}, err
	}
	return tx.Signatures[0], nil
}

func (f *fakeRPC) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	out := &rpc.GetSignatureStatusesResult{}
	for _, s := range sigs {
		out.Value = append(out.Value, f.statuses[s])
	}
	return out, nil
}

func (f *fakeRPC) GetBlockHeight(context.Context, rpc.CommitmentType) (uint64, error) {
	if len(f.heightErrs) > 0 {
		err := f.heightErrs[0]
		f.heightErrs = f.heightErrs[1:]
		return 0, err
	}
	return f.height, nil
}

func newClient(t *testing.T, f *fakeRPC) *Client {
	t.Helper()
	c, err := New(Config{
		Logger: settlementtesting.NewLogger(),
		RPC:    f,
		Retry:  retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	require.NoError(t, err)
	return c
}

func signedTransfer(t *testing.T) *solana.Transaction {
	t.Helper()
	from := solana.NewWallet()
	to := solana.NewWallet()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(1, from.PublicKey(), to.PublicKey()).Build()},
		solana.Hash{1},
		solana.TransactionPayer(from.PublicKey()),
	)
	require.NoError(t, err)
	_, err = tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(from.PublicKey()) {
			return &from.PrivateKey
		}
		return nil
	})
	require.NoError(t, err)
	return tx
}

func TestSettlement_Chain_LatestBlockhashRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	f := &fakeRPC{blockhash: solana.Hash{7}, blockhashErrs: []error{errors.New("connection reset by peer")}}
	c := newClient(t, f)

	bh, err := c.LatestBlockhash(context.Background())
	require.NoError(t, err)
	require.Equal(t, solana.Hash{7}, bh.Hash)
	require.EqualValues(t, 42, bh.LastValidBlockHeight)
}

func TestSettlement_Chain_LatestBlockhashWrapsAsExternal(t *testing.T) {
	t.Parallel()
	f := &fakeRPC{blockhashErrs: []error{errors.New("bad request")}}
	c := newClient(t, f)

	_, err := c.LatestBlockhash(context.Background())
	require.True(t, apperr.IsExternal(err))
	require.Equal(t, apperr.ReasonChainUnavailable, apperr.ReasonOf(err))
}

func TestSettlement_Chain_BroadcastReturnsSignature(t *testing.T) {
	t.Parallel()
	f := &fakeRPC{}
	c := newClient(t, f)
	tx := signedTransfer(t)

	sig, err := c.Broadcast(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, tx.Signatures[0], sig)
	require.Len(t, f.sent, 1)
}

func TestSettlement_Chain_BroadcastMapsExistingReceiptToConflict(t *testing.T) {
	t.Parallel()
	f := &fakeRPC{sendErr: &jsonrpc.RPCError{
		Code:    -32002,
		Message: "Transaction simulation failed",
		Data:    map[string]any{"logs": []any{"Allocate: account Address { address: x } already in use"}},
	}}
	c := newClient(t, f)

	_, err := c.Broadcast(context.Background(), signedTransfer(t))
	require.True(t, apperr.IsConflict(err))
	require.Equal(t, apperr.ReasonAlreadyClaimed, apperr.ReasonOf(err))
	require.Len(t, f.sent, 1)
}

func TestSettlement_Chain_Status(t *testing.T) {
	t.Parallel()
	confirmed := solana.Signature{1}
	processed := solana.Signature{2}
	failed := solana.Signature{3}
	f := &fakeRPC{statuses: map[solana.Signature]*rpc.SignatureStatusesResult{
		confirmed: {ConfirmationStatus: rpc.ConfirmationStatusFinalized},
		processed: {ConfirmationStatus: rpc.ConfirmationStatusProcessed},
		failed:    {Err: map[string]any{"InstructionError": []any{1, map[string]any{"Custom": 0}}}},
	}}
	c := newClient(t, f)
	ctx := context.Background()

	st, err := c.Status(ctx, confirmed)
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, st.State)

	st, err = c.Status(ctx, processed)
	require.NoError(t, err)
	require.Equal(t, StatePending, st.State)

	st, err = c.Status(ctx, failed)
	require.NoError(t, err)
	require.Equal(t, StateFailed, st.State)
	require.NotEmpty(t, st.Err)

	st, err = c.Status(ctx, solana.Signature{9})
	require.NoError(t, err)
	require.Equal(t, StateUnknown, st.State)
}

func TestSettlement_Chain_IsValidDerivedAddress(t *testing.T) {
	t.Parallel()
	c := newClient(t, &fakeRPC{})
	require.False(t, c.IsValidDerivedAddress(solana.NewWallet().PublicKey()))

	pda, _, err := solana.FindProgramAddress([][]byte{[]byte("ticket")}, solana.SystemProgramID)
	require.NoError(t, err)
	require.True(t, c.IsValidDerivedAddress(pda))
}

func TestSettlement_Chain_Lamports(t *testing.T) {
	t.Parallel()
	require.Equal(t, "1.5", LamportsToSOL(1_500_000_000))
	require.Equal(t, "0.000000001", LamportsToSOL(1))
	require.Equal(t, "0", LamportsToSOL(0))

	l, err := SOLToLamports("2.25")
	require.NoError(t, err)
	require.EqualValues(t, 2_250_000_000, l)

	_, err = SOLToLamports("0.0000000001")
	require.Error(t, err)
	_, err = SOLToLamports("-1")
	require.Error(t, err)
}

func TestSettlement_Chain_BlockHeightRetries(t *testing.T) {
	t.Parallel()
	f := &fakeRPC{height: 310_000_123, heightErrs: []error{errors.New("connection reset")}}
	c := newClient(t, f)

	h, err := c.BlockHeight(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 310_000_123, h)

	f.heightErrs = []error{errors.New("invalid params")}
	_, err = c.BlockHeight(context.Background())
	require.True(t, apperr.IsExternal(err))
	require.Equal(t, apperr.ReasonChainUnavailable, apperr.ReasonOf(err))
}
