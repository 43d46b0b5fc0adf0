package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperlicked/pkg/maas"
)

// txRecord is the client's internal bookkeeping for one submitted call,
// guarded by Client.mu the way the teacher's watcher/submitter share
// account state through AccountManager's single mutex.
type txRecord struct {
	tx   maas.Transaction
	done chan struct{} // closed exactly once, when tx reaches a terminal state
}

// Client is the Ledger Client of spec.md §4.A: a single submitter
// goroutine holding the nonce counter, and a watcher goroutine polling
// receipts, talking through a shared, mutex-guarded state map.
type Client struct {
	cfg       Config
	log       *zap.SugaredLogger
	transport Transport
	store     *txStore

	mu       sync.Mutex
	records  map[string]*txRecord
	nextNonce uint64
	connected bool

	submitCh  chan submission
	batchSem  chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

type submission struct {
	txID string
	call Call
}

// Connect takes an already-dialed transport (see Dial), verifies chainId,
// opens the durable tx-state store, recovers the nonce counter from
// the durable tx-state store (or the chain if this is a fresh store), and
// starts the submitter and watcher goroutines.
func Connect(ctx context.Context, cfg Config, transport Transport, log *zap.SugaredLogger) (*Client, error) {
	cfg = cfg.WithDefaults()

	store, err := openTxStore(cfg.StorePath)
	if err != nil {
		return nil, maas.WrapError(maas.ErrConnectFail, err, "open tx-state store")
	}

	remoteChainID, err := transport.ChainID(ctx)
	if err != nil {
		store.Close()
		return nil, maas.WrapError(maas.ErrConnectFail, err, "rpc endpoint unreachable")
	}
	if cfg.ChainID != 0 && remoteChainID != cfg.ChainID {
		store.Close()
		return nil, maas.NewError(maas.ErrConnectFail, "chainId mismatch: want %d, got %d", cfg.ChainID, remoteChainID)
	}

	nextNonce, persisted := store.LoadNonce()
	if !persisted {
		onChain, err := transport.NonceAt(ctx)
		if err != nil {
			store.Close()
			return nil, maas.WrapError(maas.ErrConnectFail, err, "fetch initial nonce")
		}
		nextNonce = onChain
	}

	c := &Client{
		cfg:       cfg,
		log:       log,
		transport: transport,
		store:     store,
		records:   make(map[string]*txRecord),
		nextNonce: nextNonce,
		connected: true,
		submitCh:  make(chan submission, cfg.MaxBatchSize*4),
		batchSem:  make(chan struct{}, cfg.MaxBatchSize),
		stopCh:    make(chan struct{}),
	}

	for _, persistedTx := range store.LoadAllTx() {
		c.records[persistedTx.TxID] = &txRecord{tx: persistedTx, done: closedChan()}
	}

	c.wg.Add(2)
	go c.runSubmitter()
	go c.runWatcher()

	log.Infow("ledger client connected", "rpcUrl", cfg.RPCUrl, "chainId", remoteChainID, "nextNonce", nextNonce)
	return c, nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Submit enqueues a call and returns its txId immediately; it blocks only
// under backpressure (maxBatchSize in-flight submitted-but-unconfirmed).
func (c *Client) Submit(ctx context.Context, call Call) (string, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return "", maas.NewError(maas.ErrConnectFail, "ledger client not connected")
	}
	txID := uuid.NewString()
	if call.GasLimit == 0 {
		call.GasLimit = c.cfg.GasLimit
	}
	if call.GasLimit > c.cfg.GasLimit {
		rec := &txRecord{tx: maas.Transaction{
			TxID: txID, Method: call.Method, Origin: call.Origin,
			State: maas.TxFailed, Error: "gas limit exceeds configured ceiling",
		}, done: closedChan()}
		c.records[txID] = rec
		c.mu.Unlock()
		return txID, maas.NewError(maas.ErrGasExceeds, "requested gasLimit %d exceeds ceiling %d", call.GasLimit, c.cfg.GasLimit)
	}
	c.records[txID] = &txRecord{
		tx:   maas.Transaction{TxID: txID, Method: call.Method, Params: call.EncodedParams, GasLimit: call.GasLimit, State: maas.TxQueued, Origin: call.Origin},
		done: make(chan struct{}),
	}
	c.mu.Unlock()

	select {
	case c.batchSem <- struct{}{}:
	case <-ctx.Done():
		return txID, maas.NewError(maas.ErrCancelled, "submit cancelled waiting for backpressure slot")
	}

	select {
	case c.submitCh <- submission{txID: txID, call: call}:
	case <-ctx.Done():
		<-c.batchSem
		return txID, maas.NewError(maas.ErrCancelled, "submit cancelled enqueueing call")
	}
	return txID, nil
}

// Await blocks until txId reaches a terminal state or ctx is cancelled.
func (c *Client) Await(ctx context.Context, txID string) (Receipt, error) {
	c.mu.Lock()
	rec, ok := c.records[txID]
	c.mu.Unlock()
	if !ok {
		return Receipt{}, maas.NewError(maas.ErrNotFound, "unknown txId %s", txID)
	}

	select {
	case <-rec.done:
	case <-ctx.Done():
		return Receipt{State: maas.TxQueued}, maas.NewError(maas.ErrCancelled, "await cancelled")
	}

	c.mu.Lock()
	tx := rec.tx
	c.mu.Unlock()
	return Receipt{State: tx.State, TxHash: tx.TxHash, GasUsed: tx.GasUsed, Error: tx.Error}, nil
}

// Stats aggregates counts by state, total gas used, and average
// confirmation latency across every known transaction.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := Stats{CountByState: make(map[maas.TxState]int)}
	var totalConfirm time.Duration
	var confirmN int
	for _, rec := range c.records {
		out.CountByState[rec.tx.State]++
		out.TotalGasUsed += rec.tx.GasUsed
		switch rec.tx.State {
		case maas.TxSubmitted:
			out.Submitted++
		case maas.TxConfirmed:
			out.Confirmed++
			if rec.tx.ConfirmedAt > rec.tx.SubmittedAt {
				totalConfirm += time.Duration(rec.tx.ConfirmedAt-rec.tx.SubmittedAt) * time.Second
				confirmN++
			}
		case maas.TxFailed:
			out.Failed++
		}
	}
	if confirmN > 0 {
		out.AvgConfirmTime = totalConfirm / time.Duration(confirmN)
	}
	return out
}

// Shutdown stops the submitter and watcher goroutines and closes the
// durable store. In-flight submits are not cancelled (on-chain effects
// are not revocable, per spec.md §5).
func (c *Client) Shutdown() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
	c.transport.Close()
	c.store.Close()
}

// runSubmitter drains submitCh in FIFO order, assigns nonces monotonically,
// and signs+sends each call with retry/backoff for transient RPC errors
// and nonce gaps. It is the sole writer of nextNonce.
func (c *Client) runSubmitter() {
	defer c.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-c.stopCh:
			return
		case sub := <-c.submitCh:
			c.handleSubmission(ctx, sub)
		}
	}
}

func (c *Client) handleSubmission(ctx context.Context, sub submission) {
	gasPrice, err := c.deriveGasPrice(ctx)
	if err != nil {
		c.finishTerminal(sub.txID, maas.TxFailed, "", 0, fmt.Sprintf("gas price derivation failed: %v", err))
		<-c.batchSem
		return
	}

	delay := c.cfg.Retry.InitialDelay
	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		c.mu.Lock()
		nonce := c.nextNonce
		c.mu.Unlock()

		txHash, err := c.transport.SendRawCall(ctx, sub.call, nonce, gasPrice)
		if err == nil {
			c.mu.Lock()
			c.nextNonce = nonce + 1
			c.store.SaveNonce(c.nextNonce)
			if rec, ok := c.records[sub.txID]; ok {
				rec.tx.Nonce = nonce
				rec.tx.TxHash = txHash
				rec.tx.State = maas.TxSubmitted
				rec.tx.SubmittedAt = maas.Tick(time.Now().Unix())
			}
			c.mu.Unlock()
			c.log.Infow("tx submitted", "txId", sub.txID, "method", sub.call.Method, "nonce", nonce, "txHash", txHash)
			return
		}

		if isNonceGap(err) {
			onChain, nerr := c.transport.NonceAt(ctx)
			if nerr == nil {
				c.mu.Lock()
				c.nextNonce = onChain
				c.store.SaveNonce(c.nextNonce)
				c.mu.Unlock()
			}
			continue
		}
		if isRevert(err) {
			c.finishTerminal(sub.txID, maas.TxFailed, "", 0, fmt.Sprintf("reverted: %v", err))
			<-c.batchSem
			return
		}

		time.Sleep(delay)
		delay = time.Duration(float64(delay) * c.cfg.Retry.BackoffFactor)
	}

	c.finishTerminal(sub.txID, maas.TxFailed, "", 0, "rpc transient errors exceeded maxAttempts")
	<-c.batchSem
}

func (c *Client) deriveGasPrice(ctx context.Context) (uint64, error) {
	switch c.cfg.GasPolicy {
	case GasFixed:
		return c.cfg.FixedGasPrice, nil
	case GasCapped:
		suggested, err := c.transport.SuggestGasPrice(ctx)
		if err != nil {
			return 0, err
		}
		if c.cfg.GasPriceCap > 0 && suggested > c.cfg.GasPriceCap {
			return c.cfg.GasPriceCap, nil
		}
		return suggested, nil
	default: // GasMultiplierOfSuggested
		suggested, err := c.transport.SuggestGasPrice(ctx)
		if err != nil {
			return 0, err
		}
		return uint64(float64(suggested) * c.cfg.GasMultiplier), nil
	}
}

// runWatcher polls receipts for every in-flight (submitted) tx and
// promotes them to confirmed/failed once enough confirmation blocks have
// elapsed, or to failed(timeout) once ConfirmTimeout has passed.
func (c *Client) runWatcher() {
	defer c.wg.Done()
	ctx := context.Background()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) {
	c.mu.Lock()
	var pending []string
	for id, rec := range c.records {
		if rec.tx.State == maas.TxSubmitted {
			pending = append(pending, id)
		}
	}
	c.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	latest, err := c.transport.BlockNumber(ctx)
	if err != nil {
		c.log.Warnw("watcher: blockNumber query failed", "err", err)
		return
	}

	for _, id := range pending {
		c.mu.Lock()
		rec := c.records[id]
		txHash := rec.tx.TxHash
		submittedAt := rec.tx.SubmittedAt
		c.mu.Unlock()

		if time.Since(time.Unix(int64(submittedAt), 0)) > c.cfg.ConfirmTimeout {
			c.finishTerminal(id, maas.TxFailed, txHash, 0, "timeout")
			<-c.batchSem
			continue
		}

		receipt, found, err := c.transport.ReceiptByHash(ctx, txHash)
		if err != nil || !found {
			continue
		}
		if latest < receipt.BlockNumber+c.cfg.ConfirmationBlocks {
			continue // not enough confirmations yet
		}
		if receipt.Success {
			c.finishTerminal(id, maas.TxConfirmed, txHash, receipt.GasUsed, "")
		} else {
			c.finishTerminal(id, maas.TxFailed, txHash, receipt.GasUsed, "reverted")
		}
		<-c.batchSem
	}
}

func (c *Client) finishTerminal(txID string, state maas.TxState, txHash string, gasUsed uint64, errMsg string) {
	c.mu.Lock()
	rec, ok := c.records[txID]
	if !ok {
		c.mu.Unlock()
		return
	}
	rec.tx.State = state
	rec.tx.TxHash = txHash
	rec.tx.GasUsed = gasUsed
	rec.tx.Error = errMsg
	if state == maas.TxConfirmed {
		rec.tx.ConfirmedAt = maas.Tick(time.Now().Unix())
	}
	tx := rec.tx
	done := rec.done
	c.mu.Unlock()

	c.store.SaveTx(tx)
	close(done)
	c.log.Infow("tx terminal", "txId", txID, "state", state, "error", errMsg)
}

// isNonceGap and isRevert classify transport errors by message content;
// a real deployment would use typed RPC error codes, but the contract
// surface here is explicitly out of scope (spec.md §6.2) so no shared
// error-code contract exists to switch on.
func isNonceGap(err error) bool {
	s := err.Error()
	return strings.Contains(s, "nonce too low") || strings.Contains(s, "nonce too high")
}

func isRevert(err error) bool {
	s := err.Error()
	return strings.Contains(s, "revert") || strings.Contains(s, "execution reverted")
}
