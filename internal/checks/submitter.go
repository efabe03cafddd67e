package checks

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/vrs-kit/vrs/internal/metrics"
	"github.com/vrs-kit/vrs/internal/service"
)

// Creator sends one check to the service.
type Creator interface {
	CreateCheck(ctx context.Context, req service.CheckRequest) (*service.CheckResult, error)
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithLogger configures the logger used for phase results.
func WithLogger(logger *log.Logger) Option {
	return func(s *Submitter) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics configures the collector for phase counters.
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Submitter) {
		s.metrics = collector
	}
}

// Submitter runs the hash-then-upload protocol. It holds no per-check state,
// so one Submitter may serve concurrent submissions.
type Submitter struct {
	creator Creator
	baseURL string
	logger  *log.Logger
	metrics *metrics.Collector
}

// NewSubmitter builds a submitter. baseURL is used for failed-check links.
func NewSubmitter(creator Creator, baseURL string, options ...Option) (*Submitter, error) {
	if creator == nil {
		return nil, errors.New("check creator is required")
	}
	submitter := &Submitter{
		creator: creator,
		baseURL: strings.TrimSpace(baseURL),
		logger:  log.New(io.Discard),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(submitter)
	}
	return submitter, nil
}

// Submit registers one check. It always computes the content hash from image
// and uploads the bytes only when the service asks for them.
func (s *Submitter) Submit(ctx context.Context, meta Meta, image []byte) (service.CheckResult, error) {
	if s == nil {
		return service.CheckResult{}, errors.New("submitter is nil")
	}
	meta.HashCode = ContentHash(image)
	logger := s.logger.With("check", meta.Name, "testid", meta.TestID)

	first, err := s.creator.CreateCheck(ctx, meta.request(nil))
	if err != nil {
		return service.CheckResult{}, &CheckSubmissionError{Check: meta.Name, Phase: PhaseHash, Params: meta, Err: err}
	}
	s.metrics.ObserveCheck(string(PhaseHash), first.Status.String())
	logger.Info("check result phase #1", "id", first.ID, "status", first.Status.String())

	if first.Status.String() != service.StatusRequiredFileData {
		return Decorate(s.baseURL, *first), nil
	}

	s.metrics.ObserveUpload()
	second, err := s.creator.CreateCheck(ctx, meta.request(image))
	if err != nil {
		return service.CheckResult{}, &CheckSubmissionError{Check: meta.Name, Phase: PhaseUpload, Params: meta, Err: err}
	}
	s.metrics.ObserveCheck(string(PhaseUpload), second.Status.String())
	logger.Info("check result phase #2", "id", second.ID, "status", second.Status.String())

	return Decorate(s.baseURL, *second), nil
}
