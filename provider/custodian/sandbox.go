package custodian

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownTransaction is returned by the sandbox for ids it never issued.
var ErrUnknownTransaction = errors.New("custodian: unknown transaction")

// Sandbox is an in-memory custodian used by the memory server mode and tests.
type Sandbox struct {
	mu    sync.Mutex
	byID  map[string]*Transaction
	byRef map[string]string
	fail  error
	calls int
}

func NewSandbox() *Sandbox {
	return &Sandbox{byID: make(map[string]*Transaction), byRef: make(map[string]string)}
}

// FailNext makes the next mutating call return err.
func (s *Sandbox) FailNext(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// Calls counts mutating calls, failed ones included.
func (s *Sandbox) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Sandbox) CreateTransaction(_ context.Context, req CreateRequest) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return Transaction{}, err
	}
	if id, ok := s.byRef[req.Reference]; ok {
		return *s.byID[id], nil
	}
	tx := &Transaction{
		ID:          "ctx_" + uuid.NewString(),
		Reference:   req.Reference,
		Status:      "created",
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		Version:     1,
		UpdatedAt:   time.Now().UTC(),
	}
	s.byID[tx.ID] = tx
	s.byRef[req.Reference] = tx.ID
	return *tx, nil
}

func (s *Sandbox) FundTransaction(_ context.Context, id string) (Transaction, error) {
	return s.move(id, "funded")
}

func (s *Sandbox) ReleaseTransaction(_ context.Context, id string, accept bool) (Transaction, error) {
	if accept {
		return s.move(id, "disbursed")
	}
	return s.move(id, "rejected")
}

func (s *Sandbox) GetTransaction(_ context.Context, id string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byID[id]
	if !ok {
		return Transaction{}, ErrUnknownTransaction
	}
	return *tx, nil
}

func (s *Sandbox) CreatePaymentSession(_ context.Context, id, returnURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return "", err
	}
	if _, ok := s.byID[id]; !ok {
		return "", ErrUnknownTransaction
	}
	return fmt.Sprintf("https://custodian.sandbox/pay/%s?return=%s", id, returnURL), nil
}

// SetStatus simulates a custodian-side change, such as a dispute, and returns
// the transaction as a webhook would report it.
func (s *Sandbox) SetStatus(id, status string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byID[id]
	if !ok {
		return Transaction{}, ErrUnknownTransaction
	}
	tx.Status = status
	tx.Version++
	tx.UpdatedAt = time.Now().UTC()
	return *tx, nil
}

func (s *Sandbox) move(id, status string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return Transaction{}, err
	}
	tx, ok := s.byID[id]
	if !ok {
		return Transaction{}, ErrUnknownTransaction
	}
	tx.Status = status
	tx.Version++
	tx.UpdatedAt = time.Now().UTC()
	return *tx, nil
}

func (s *Sandbox) takeFailure() error {
	s.calls++
	err := s.fail
	s.fail = nil
	return err
}
