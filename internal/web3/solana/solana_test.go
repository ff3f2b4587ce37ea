package solana

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/web3"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	solanago "github.com/gagliardetto/solana-go"
)

type fakeBackend struct {
	mu        sync.Mutex
	balances  map[solanago.PublicKey]uint64
	accounts  map[solanago.PublicKey]*accountInfo
	blockhash solanago.Hash
	sent      []*solanago.Transaction
	sendErr   error
	statuses  []*signatureStatus
	polls     int
	closes    int
	onSend    func()
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		balances:  map[solanago.PublicKey]uint64{},
		accounts:  map[solanago.PublicKey]*accountInfo{},
		blockhash: solanago.Hash{1, 2, 3},
	}
}

func (f *fakeBackend) GetBalance(_ context.Context, owner solanago.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[owner], nil
}

func (f *fakeBackend) GetAccount(_ context.Context, address solanago.PublicKey) (*accountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[address], nil
}

func (f *fakeBackend) LatestBlockhash(context.Context) (solanago.Hash, error) {
	return f.blockhash, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *solanago.Transaction) (solanago.Signature, error) {
	f.mu.Lock()
	f.sent = append(f.sent, tx)
	onSend := f.onSend
	f.mu.Unlock()
	if onSend != nil {
		onSend()
	}
	if f.sendErr != nil {
		return solanago.Signature{}, f.sendErr
	}
	return tx.Signatures[0], nil
}

func (f *fakeBackend) SignatureStatus(context.Context, solanago.Signature) (*signatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.statuses) == 0 {
		return nil, nil
	}
	status := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return status, nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func newTestWallet(t *testing.T) (web3.WalletCredential, solanago.PrivateKey) {
	t.Helper()
	key, err := solanago.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return web3.WalletCredential{PublicKey: key.PublicKey().String(), SecretKey: key.String()}, key
}

func newTestAddress(t *testing.T) solanago.PublicKey {
	t.Helper()
	key, err := solanago.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key.PublicKey()
}

func mintData(decimals uint8) []byte {
	data := make([]byte, mintAccountSize)
	data[mintDecimalsOffset] = decimals
	data[mintInitialisedFlag] = 1
	return data
}

func strPtr(s string) *string { return &s }

func newTestClient(b backend) *Client {
	return newClient(Config{
		Network:        web3.NetworkDevnet,
		ConfirmTimeout: 200 * time.Millisecond,
		PollInterval:   time.Millisecond,
	}, b, nil)
}

func TestCloseDuringReads(t *testing.T) {
	fake := newFakeBackend()
	client := newTestClient(fake)
	owner := solanago.NewWallet().PublicKey()
	fake.balances[owner] = 42

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := client.Balance(context.Background(), owner.String()); err != nil {
					t.Errorf("balance: %v", err)
					return
				}
			}
		}()
	}
	client.Close()
	client.Close()
	wg.Wait()

	if fake.closes != 1 {
		t.Fatalf("backend closed %d times", fake.closes)
	}
	if got, err := client.Balance(context.Background(), owner.String()); err != nil || got != 42 {
		t.Fatalf("read after close: got %d err %v", got, err)
	}
}

func TestBaseUnits(t *testing.T) {
	cases := []struct {
		amount   float64
		decimals uint8
		want     uint64
	}{
		{1.5, 9, 1_500_000_000},
		{2, 6, 2_000_000},
		{0.1, 9, 100_000_000},
		{0.1 + 0.2, 1, 3},
		{1.0000005, 6, 1_000_001},
		{0.000001, 6, 1},
		{12345.678901, 6, 12_345_678_901},
	}
	for _, tc := range cases {
		got, err := BaseUnits(tc.amount, tc.decimals)
		if err != nil {
			t.Fatalf("BaseUnits(%v, %d) returned error: %v", tc.amount, tc.decimals, err)
		}
		if got != tc.want {
			t.Fatalf("BaseUnits(%v, %d) = %d, want %d", tc.amount, tc.decimals, got, tc.want)
		}
	}
}

func TestBaseUnitsRejectsInvalidAmounts(t *testing.T) {
	cases := []struct {
		amount   float64
		decimals uint8
	}{
		{0, 9},
		{-1, 9},
		{math.NaN(), 9},
		{math.Inf(1), 9},
		{0.0000000001, 6},
		{1e30, 9},
	}
	for _, tc := range cases {
		if _, err := BaseUnits(tc.amount, tc.decimals); xerrors.CodeOf(err) != xerrors.CodeInstructionBuild {
			t.Fatalf("BaseUnits(%v, %d) expected instruction build failure, got %v", tc.amount, tc.decimals, err)
		}
	}
}

func TestBuildNativeTransfer(t *testing.T) {
	wallet, key := newTestWallet(t)
	to := newTestAddress(t)
	client := newTestClient(newFakeBackend())

	pending, err := client.BuildTransfer(context.Background(), wallet, web3.TransferRequest{
		ToAddress: to.String(),
		Amount:    1.5,
		Decimals:  9,
	})
	if err != nil {
		t.Fatalf("build native transfer: %v", err)
	}
	transfer := pending.(*pendingTransfer)
	if len(transfer.instructions) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(transfer.instructions))
	}
	ix := transfer.instructions[0]
	if !ix.ProgramID().Equals(solanago.SystemProgramID) {
		t.Fatalf("expected system program, got %s", ix.ProgramID())
	}
	data, err := ix.Data()
	if err != nil {
		t.Fatalf("encode instruction: %v", err)
	}
	if len(data) != 12 || binary.LittleEndian.Uint64(data[4:]) != 1_500_000_000 {
		t.Fatalf("unexpected transfer data %v", data)
	}
	if !transfer.payer.Equals(key.PublicKey()) {
		t.Fatalf("unexpected payer %s", transfer.payer)
	}
}

func TestBuildNativeTransferRequiresNativeDecimals(t *testing.T) {
	wallet, _ := newTestWallet(t)
	client := newTestClient(newFakeBackend())

	_, err := client.BuildTransfer(context.Background(), wallet, web3.TransferRequest{
		ToAddress: newTestAddress(t).String(),
		Amount:    1,
		Decimals:  6,
	})
	if xerrors.CodeOf(err) != xerrors.CodeInstructionBuild {
		t.Fatalf("expected instruction build failure, got %v", err)
	}
}

func TestBuildTransferRejectsMalformedAddress(t *testing.T) {
	wallet, _ := newTestWallet(t)
	client := newTestClient(newFakeBackend())

	pending, err := client.BuildTransfer(context.Background(), wallet, web3.TransferRequest{
		ToAddress: "not-an-address",
		Amount:    1,
		Decimals:  9,
	})
	if pending != nil {
		t.Fatalf("expected no pending instruction on failure")
	}
	if xerrors.CodeOf(err) != xerrors.CodeInstructionBuild {
		t.Fatalf("expected instruction build failure, got %v", err)
	}
}

func TestBuildTokenTransferCreatesMissingRecipientAccount(t *testing.T) {
	wallet, key := newTestWallet(t)
	to := newTestAddress(t)
	mint := newTestAddress(t)

	fake := newFakeBackend()
	fake.accounts[mint] = &accountInfo{Owner: solanago.TokenProgramID, Data: mintData(6)}
	source, err := associatedTokenAddress(key.PublicKey(), solanago.TokenProgramID, mint)
	if err != nil {
		t.Fatalf("derive source: %v", err)
	}
	fake.accounts[source] = &accountInfo{Owner: solanago.TokenProgramID}
	destination, err := associatedTokenAddress(to, solanago.TokenProgramID, mint)
	if err != nil {
		t.Fatalf("derive destination: %v", err)
	}

	client := newTestClient(fake)
	pending, err := client.BuildTransfer(context.Background(), wallet, web3.TransferRequest{
		ToAddress:      to.String(),
		Amount:         2,
		Decimals:       6,
		MintAddress:    strPtr(mint.String()),
		TokenProgramID: strPtr(solanago.TokenProgramID.String()),
	})
	if err != nil {
		t.Fatalf("build token transfer: %v", err)
	}
	transfer := pending.(*pendingTransfer)
	if len(transfer.instructions) != 2 {
		t.Fatalf("expected create + transfer, got %d instructions", len(transfer.instructions))
	}

	create := transfer.instructions[0]
	if !create.ProgramID().Equals(solanago.SPLAssociatedTokenAccountProgramID) {
		t.Fatalf("expected associated token program, got %s", create.ProgramID())
	}
	if !create.Accounts()[1].PublicKey.Equals(destination) {
		t.Fatalf("create targets %s, want %s", create.Accounts()[1].PublicKey, destination)
	}

	ix := transfer.instructions[1]
	if !ix.ProgramID().Equals(solanago.TokenProgramID) {
		t.Fatalf("expected token program, got %s", ix.ProgramID())
	}
	data, err := ix.Data()
	if err != nil {
		t.Fatalf("encode instruction: %v", err)
	}
	if data[0] != instructionTransferChecked || binary.LittleEndian.Uint64(data[1:9]) != 2_000_000 || data[9] != 6 {
		t.Fatalf("unexpected transfer data %v", data)
	}
	accounts := ix.Accounts()
	if !accounts[0].PublicKey.Equals(source) || !accounts[2].PublicKey.Equals(destination) {
		t.Fatalf("unexpected transfer accounts %v", accounts)
	}
	if !accounts[3].IsSigner {
		t.Fatalf("expected owner to sign the transfer")
	}
}

func TestBuildTokenTransferSkipsCreateWhenRecipientExists(t *testing.T) {
	wallet, key := newTestWallet(t)
	to := newTestAddress(t)
	mint := newTestAddress(t)

	fake := newFakeBackend()
	fake.accounts[mint] = &accountInfo{Owner: solanago.Token2022ProgramID, Data: mintData(6)}
	source, _ := associatedTokenAddress(key.PublicKey(), solanago.Token2022ProgramID, mint)
	destination, _ := associatedTokenAddress(to, solanago.Token2022ProgramID, mint)
	fake.accounts[source] = &accountInfo{Owner: solanago.Token2022ProgramID}
	fake.accounts[destination] = &accountInfo{Owner: solanago.Token2022ProgramID}

	pending, err := newTestClient(fake).BuildTransfer(context.Background(), wallet, web3.TransferRequest{
		ToAddress:      to.String(),
		Amount:         2,
		Decimals:       6,
		MintAddress:    strPtr(mint.String()),
		TokenProgramID: strPtr(solanago.Token2022ProgramID.String()),
	})
	if err != nil {
		t.Fatalf("build token transfer: %v", err)
	}
	if n := len(pending.(*pendingTransfer).instructions); n != 1 {
		t.Fatalf("expected a single transfer instruction, got %d", n)
	}
}

func TestBuildTokenTransferFailures(t *testing.T) {
	wallet, _ := newTestWallet(t)
	to := newTestAddress(t)
	mint := newTestAddress(t)

	cases := []struct {
		name    string
		prepare func(f *fakeBackend)
		req     web3.TransferRequest
	}{
		{
			name: "decimals mismatch",
			prepare: func(f *fakeBackend) {
				f.accounts[mint] = &accountInfo{Owner: solanago.TokenProgramID, Data: mintData(6)}
			},
			req: web3.TransferRequest{Decimals: 9},
		},
		{
			name:    "mint missing",
			prepare: func(f *fakeBackend) {},
			req:     web3.TransferRequest{Decimals: 6},
		},
		{
			name: "mint owned by other program",
			prepare: func(f *fakeBackend) {
				f.accounts[mint] = &accountInfo{Owner: solanago.Token2022ProgramID, Data: mintData(6)}
			},
			req: web3.TransferRequest{Decimals: 6},
		},
		{
			name: "sender has no token account",
			prepare: func(f *fakeBackend) {
				f.accounts[mint] = &accountInfo{Owner: solanago.TokenProgramID, Data: mintData(6)}
			},
			req: web3.TransferRequest{Decimals: 6},
		},
		{
			name: "unsupported program",
			prepare: func(f *fakeBackend) {
				f.accounts[mint] = &accountInfo{Owner: solanago.SystemProgramID, Data: mintData(6)}
			},
			req: web3.TransferRequest{Decimals: 6, TokenProgramID: strPtr(solanago.SystemProgramID.String())},
		},
	}

	for _, tc := range cases {
		fake := newFakeBackend()
		tc.prepare(fake)
		req := tc.req
		req.ToAddress = to.String()
		req.Amount = 2
		req.MintAddress = strPtr(mint.String())
		if req.TokenProgramID == nil {
			req.TokenProgramID = strPtr(solanago.TokenProgramID.String())
		}
		pending, err := newTestClient(fake).BuildTransfer(context.Background(), wallet, req)
		if pending != nil {
			t.Fatalf("%s: expected no pending instruction", tc.name)
		}
		if xerrors.CodeOf(err) != xerrors.CodeInstructionBuild {
			t.Fatalf("%s: expected instruction build failure, got %v", tc.name, err)
		}
	}
}

func buildNative(t *testing.T, client *Client, wallet web3.WalletCredential, amount float64) web3.PendingInstruction {
	t.Helper()
	pending, err := client.BuildTransfer(context.Background(), wallet, web3.TransferRequest{
		ToAddress: newTestAddress(t).String(),
		Amount:    amount,
		Decimals:  9,
	})
	if err != nil {
		t.Fatalf("build transfer: %v", err)
	}
	return pending
}

func TestExecuteSubmitsOneTransaction(t *testing.T) {
	wallet, key := newTestWallet(t)
	fake := newFakeBackend()
	fake.statuses = []*signatureStatus{nil, {Confirmed: true}}
	client := newTestClient(fake)

	batch := []web3.PendingInstruction{buildNative(t, client, wallet, 1), buildNative(t, client, wallet, 0.5)}
	sig, err := client.Execute(context.Background(), wallet, batch)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("expected one submitted transaction, got %d", len(fake.sent))
	}
	tx := fake.sent[0]
	if len(tx.Message.Instructions) != 2 {
		t.Fatalf("expected 2 instructions in transaction, got %d", len(tx.Message.Instructions))
	}
	if !tx.Message.AccountKeys[0].Equals(key.PublicKey()) {
		t.Fatalf("expected wallet to pay fees")
	}
	if sig != tx.Signatures[0].String() {
		t.Fatalf("unexpected signature %s", sig)
	}
	if fake.polls != 2 {
		t.Fatalf("expected 2 status polls, got %d", fake.polls)
	}
}

func TestExecuteEmptyBatch(t *testing.T) {
	wallet, _ := newTestWallet(t)
	fake := newFakeBackend()
	_, err := newTestClient(fake).Execute(context.Background(), wallet, nil)
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if len(fake.sent) != 0 {
		t.Fatalf("expected nothing submitted")
	}
}

func TestExecuteSubmitFailureIsNotRetried(t *testing.T) {
	wallet, _ := newTestWallet(t)
	fake := newFakeBackend()
	fake.sendErr = errors.New("insufficient funds")
	client := newTestClient(fake)

	_, err := client.Execute(context.Background(), wallet, []web3.PendingInstruction{buildNative(t, client, wallet, 1)})
	if xerrors.CodeOf(err) != xerrors.CodeExecutionFailure {
		t.Fatalf("expected execution failure, got %v", err)
	}
	if stage := xerrors.MetadataOf(err)["stage"]; stage != "submit" {
		t.Fatalf("unexpected stage %q", stage)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("expected exactly one submission, got %d", len(fake.sent))
	}
}

func TestExecuteReportsOnChainFailure(t *testing.T) {
	wallet, _ := newTestWallet(t)
	fake := newFakeBackend()
	fake.statuses = []*signatureStatus{{Err: map[string]any{"InstructionError": []any{0, "Custom"}}}}
	client := newTestClient(fake)

	_, err := client.Execute(context.Background(), wallet, []web3.PendingInstruction{buildNative(t, client, wallet, 1)})
	if xerrors.CodeOf(err) != xerrors.CodeExecutionFailure {
		t.Fatalf("expected execution failure, got %v", err)
	}
	meta := xerrors.MetadataOf(err)
	if meta["stage"] != "confirm" || meta["signature"] == "" {
		t.Fatalf("unexpected metadata %v", meta)
	}
}

func TestExecuteConfirmationTimeout(t *testing.T) {
	wallet, _ := newTestWallet(t)
	fake := newFakeBackend()
	client := newClient(Config{ConfirmTimeout: 5 * time.Millisecond, PollInterval: time.Millisecond}, fake, nil)

	_, err := client.Execute(context.Background(), wallet, []web3.PendingInstruction{buildNative(t, client, wallet, 1)})
	if stage := xerrors.MetadataOf(err)["stage"]; stage != "confirm_timeout" {
		t.Fatalf("expected confirmation timeout, got %v", err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("expected exactly one submission, got %d", len(fake.sent))
	}
}

func TestExecuteSurvivesCancellationAfterSubmit(t *testing.T) {
	wallet, _ := newTestWallet(t)
	fake := newFakeBackend()
	fake.statuses = []*signatureStatus{nil, nil, {Confirmed: true}}
	client := newTestClient(fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake.onSend = cancel

	if _, err := client.Execute(ctx, wallet, []web3.PendingInstruction{buildNative(t, client, wallet, 1)}); err != nil {
		t.Fatalf("expected confirmation despite cancellation, got %v", err)
	}
}

func TestExecuteRejectsForeignPayer(t *testing.T) {
	wallet, _ := newTestWallet(t)
	other, _ := newTestWallet(t)
	fake := newFakeBackend()
	client := newTestClient(fake)

	pending := buildNative(t, client, other, 1)
	if _, err := client.Execute(context.Background(), wallet, []web3.PendingInstruction{pending}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if len(fake.sent) != 0 {
		t.Fatalf("expected nothing submitted")
	}
}

func TestTokenAccountsBatch(t *testing.T) {
	wallet, key := newTestWallet(t)
	mint := newTestAddress(t)

	var batchSize int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqs []struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		batchSize = len(reqs)
		resps := make([]map[string]any, 0, len(reqs))
		for _, req := range reqs {
			var filter struct {
				ProgramID string `json:"programId"`
			}
			_ = json.Unmarshal(req.Params[1], &filter)
			value := []any{}
			if req.Method == "getTokenAccountsByOwner" && filter.ProgramID == solanago.TokenProgramID.String() {
				value = append(value, map[string]any{
					"pubkey": newTestAddress(t).String(),
					"account": map[string]any{
						"owner": solanago.TokenProgramID.String(),
						"data": map[string]any{
							"parsed": map[string]any{
								"type": "account",
								"info": map[string]any{
									"mint":  mint.String(),
									"owner": key.PublicKey().String(),
									"tokenAmount": map[string]any{
										"amount":         "2500000",
										"decimals":       6,
										"uiAmount":       2.5,
										"uiAmountString": "2.5",
									},
								},
							},
						},
					},
				})
			}
			resps = append(resps, map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"result":  map[string]any{"context": map[string]any{"slot": 1}, "value": value},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resps)
	}))
	defer srv.Close()

	batch, err := gethrpc.DialContext(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("dial batch rpc: %v", err)
	}
	fake := newFakeBackend()
	fake.balances[key.PublicKey()] = 2_500_000_000
	client := newClient(Config{Network: web3.NetworkDevnet}, fake, batch)
	defer client.Close()

	accounts, err := client.TokenAccounts(context.Background(), wallet.PublicKey)
	if err != nil {
		t.Fatalf("token accounts: %v", err)
	}
	if batchSize != len(TokenPrograms) {
		t.Fatalf("expected one batched request per token program, got %d", batchSize)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected token + native entries, got %d", len(accounts))
	}
	usdc := accounts[0]
	if usdc.Mint != mint.String() || usdc.Decimals != 6 || usdc.UIAmount != 2.5 || usdc.IsNative {
		t.Fatalf("unexpected token entry %+v", usdc)
	}
	if usdc.TokenProgramID == nil || *usdc.TokenProgramID != solanago.TokenProgramID.String() {
		t.Fatalf("expected token program id on token entry")
	}
	native := accounts[1]
	if !native.IsNative || native.Mint != solanago.SolMint.String() || native.Decimals != 9 || native.UIAmount != 2.5 {
		t.Fatalf("unexpected native entry %+v", native)
	}
	if native.TokenProgramID != nil {
		t.Fatalf("native entry must not carry a token program")
	}
}
