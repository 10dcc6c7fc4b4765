// ABOUTME: Elicitation handlers: function adapter, terminal prompt and pending queue
// ABOUTME: PendingQueue publishes requests and waits for Deliver or timeout

package elicitation

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Handler collects values for a request. Implementations must return when
// ctx is done.
type Handler interface {
	Elicit(ctx context.Context, req *Request) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (map[string]any, error)

// Elicit calls f.
func (f HandlerFunc) Elicit(ctx context.Context, req *Request) (map[string]any, error) {
	return f(ctx, req)
}

// CLIHandler prompts on Out and reads one line per property from In. An
// empty line takes the property default.
type CLIHandler struct {
	In  io.Reader
	Out io.Writer

	once  sync.Once
	lines chan string
}

// NewCLIHandler creates a terminal handler.
func NewCLIHandler(in io.Reader, out io.Writer) *CLIHandler {
	return &CLIHandler{In: in, Out: out}
}

// start reads lines from In for the life of the handler. A blocked terminal
// read cannot be interrupted, so one reader goroutine serves every request.
func (h *CLIHandler) start() {
	h.lines = make(chan string)
	go func() {
		defer close(h.lines)
		scanner := bufio.NewScanner(h.In)
		for scanner.Scan() {
			h.lines <- scanner.Text()
		}
	}()
}

func (h *CLIHandler) readLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-h.lines:
		if !ok {
			return "", io.EOF
		}
		return strings.TrimSpace(line), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Elicit prompts for each property in name order.
func (h *CLIHandler) Elicit(ctx context.Context, req *Request) (map[string]any, error) {
	h.once.Do(h.start)

	fmt.Fprintf(h.Out, "\n%s\n", req.Message)
	out := make(map[string]any, len(req.Schema.Properties))

	for _, name := range promptOrder(req.Schema) {
		p := req.Schema.Properties[name]
		def := defaultValue(p)
		if name == DecisionProperty {
			def = DecisionAbort
		}

		for {
			fmt.Fprintf(h.Out, "  %s%s [%v]: ", name, describe(p), def)
			line, err := h.readLine(ctx)
			if err != nil {
				fmt.Fprintln(h.Out)
				return nil, err
			}
			if line == "" {
				out[name] = def
				break
			}
			v, err := coerce(p, line)
			if err != nil {
				fmt.Fprintf(h.Out, "  invalid value: %v\n", err)
				continue
			}
			out[name] = v
			break
		}
	}
	return out, nil
}

// promptOrder lists required properties first, then the rest, each sorted.
func promptOrder(s Schema) []string {
	required := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		required[r] = true
	}
	names := s.Names()
	sort.SliceStable(names, func(i, j int) bool {
		return required[names[i]] && !required[names[j]]
	})
	return names
}

func describe(p Property) string {
	var parts []string
	if p.Description != "" {
		parts = append(parts, p.Description)
	}
	if len(p.EnumValues) > 0 {
		parts = append(parts, strings.Join(p.EnumValues, "/"))
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, "; ") + ")"
}

// Publisher pushes a pending request to whoever can answer it.
type Publisher interface {
	PublishElicitation(req *Request) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(req *Request) error

// PublishElicitation calls f.
func (f PublisherFunc) PublishElicitation(req *Request) error {
	return f(req)
}

// pendingRequest tracks a request awaiting an answer.
type pendingRequest struct {
	req    *Request
	answer chan map[string]any
}

// PendingQueue is a Handler for remote channels. Elicit publishes the request
// and blocks until Deliver supplies values or ctx ends.
type PendingQueue struct {
	mu        sync.Mutex
	pending   map[string]*pendingRequest
	publisher Publisher
	logger    *slog.Logger
}

// NewPendingQueue creates a queue that announces requests via publisher. A
// nil publisher only records requests, for clients that poll Pending.
func NewPendingQueue(publisher Publisher, logger *slog.Logger) *PendingQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingQueue{
		pending:   make(map[string]*pendingRequest),
		publisher: publisher,
		logger:    logger.With("component", "elicitation_queue"),
	}
}

// Elicit registers req, publishes it and waits for an answer.
func (q *PendingQueue) Elicit(ctx context.Context, req *Request) (map[string]any, error) {
	pr := &pendingRequest{req: req, answer: make(chan map[string]any, 1)}

	q.mu.Lock()
	q.pending[req.ID] = pr
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.pending, req.ID)
		q.mu.Unlock()
	}()

	if q.publisher != nil {
		if err := q.publisher.PublishElicitation(req); err != nil {
			return nil, fmt.Errorf("publishing elicitation: %w", err)
		}
	}

	select {
	case values := <-pr.answer:
		return values, nil
	case <-ctx.Done():
		q.logger.Debug("elicitation wait ended", "request_id", req.ID, "error", ctx.Err())
		return nil, ctx.Err()
	}
}

// Deliver routes values to the waiting request.
func (q *PendingQueue) Deliver(requestID string, values map[string]any) error {
	q.mu.Lock()
	pr, ok := q.pending[requestID]
	if ok {
		delete(q.pending, requestID)
	}
	q.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	// Non-blocking send; the channel has a buffer of 1
	select {
	case pr.answer <- values:
	default:
	}
	return nil
}

// Pending returns the requests currently awaiting answers, oldest first.
func (q *PendingQueue) Pending() []*Request {
	q.mu.Lock()
	out := make([]*Request, 0, len(q.pending))
	for _, pr := range q.pending {
		out = append(out, pr.req)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
