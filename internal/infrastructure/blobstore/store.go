package blobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/sglre6355/meteogram/internal/domain"
)

const (
	// DefaultUsableRatio is the share of a unit's free space a chunk may fill.
	DefaultUsableRatio = 0.95
	// DefaultMinChunk is the smallest chunk worth opening another unit for.
	DefaultMinChunk = 512
	// DefaultPrefix names the units of forecast records.
	DefaultPrefix = "forecast"
)

// Operation labels reported to the Recorder.
const (
	OperationWrite    = "write"
	OperationRead     = "read"
	OperationDelete   = "delete"
	OperationRollback = "rollback"
)

// Recorder observes unit and byte counts per store operation.
type Recorder interface {
	ObserveUnits(operation string, units int)
	ObserveBytes(operation string, bytes int)
}

// Store splits serialized forecast records across units named "<prefix><id>_<n>", n = 1, 2, ...
// Concurrent writers to the same id must be serialized by the caller.
type Store struct {
	units       Units
	prefix      string
	usableRatio float64
	minChunk    int64
	logger      *slog.Logger
	recorder    Recorder
}

// Option configures a Store.
type Option func(*Store)

// WithUsableRatio sets the share of free space that may be filled, in (0, 1].
func WithUsableRatio(ratio float64) Option {
	return func(s *Store) {
		if ratio > 0 && ratio <= 1 {
			s.usableRatio = ratio
		}
	}
}

// WithMinChunk sets the smallest chunk that justifies opening a unit.
func WithMinChunk(size int64) Option {
	return func(s *Store) {
		if size >= 0 {
			s.minChunk = size
		}
	}
}

// WithPrefix overrides the unit name prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithLogger overrides the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRecorder registers a metrics recorder.
func WithRecorder(recorder Recorder) Option {
	return func(s *Store) {
		if recorder != nil {
			s.recorder = recorder
		}
	}
}

// NewStore returns a store on top of units.
func NewStore(units Units, opts ...Option) *Store {
	store := &Store{
		units:       units,
		prefix:      DefaultPrefix,
		usableRatio: DefaultUsableRatio,
		minChunk:    DefaultMinChunk,
		logger:      slog.Default(),
		recorder:    noopRecorder{},
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// Create serializes record and writes it across as many units as needed. It fails with
// domain.ErrAlreadyExists if units for id are present. On any failure every unit written so far
// is removed again.
func (s *Store) Create(ctx context.Context, id int64, record domain.ForecastRecord) error {
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("forecast %d: %w", id, domain.ErrAlreadyExists)
	}

	data, err := record.MarshalBinary()
	if err != nil {
		return err
	}

	var opened []string
	fail := func(err error) error {
		s.rollback(ctx, id, opened)
		return err
	}

	remaining := data
	for seq := 1; len(remaining) > 0; seq++ {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("%w: write of forecast %d interrupted: %w", domain.ErrCancelled, id, err))
		}

		name := s.unitName(id, seq)
		writer, err := s.units.Open(ctx, name)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fail(fmt.Errorf("%w: open unit %q: %w", domain.ErrCancelled, name, ctxErr))
			}
			return fail(fmt.Errorf("%w: open unit %q: %w", domain.ErrStorageIO, name, err))
		}
		opened = append(opened, name)

		if err := s.fill(ctx, writer, name, &remaining); err != nil {
			return fail(err)
		}
	}

	s.recorder.ObserveUnits(OperationWrite, len(opened))
	s.recorder.ObserveBytes(OperationWrite, len(data))
	s.logger.Debug(
		"forecast stored",
		slog.Int64("id", id),
		slog.Int("units", len(opened)),
		slog.Int("bytes", len(data)),
	)
	return nil
}

// fill writes the next chunk of remaining into writer and always closes it.
func (s *Store) fill(ctx context.Context, writer UnitWriter, name string, remaining *[]byte) (err error) {
	defer func() {
		if closeErr := writer.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("%w: close unit %q: %w", domain.ErrStorageIO, name, closeErr)
		}
	}()

	usable := s.usable(writer.FreeSpace())
	left := int64(len(*remaining))
	if usable <= 0 || (usable < s.minChunk && usable < left) {
		return fmt.Errorf(
			"%w: unit %q offers %d usable bytes, %d bytes left",
			domain.ErrCapacityExhausted,
			name,
			usable,
			left,
		)
	}

	size := min(usable, left)
	if err := writer.Write(ctx, (*remaining)[:size]); err != nil {
		if errors.Is(err, domain.ErrCapacityExhausted) || errors.Is(err, domain.ErrStorageIO) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: write unit %q: %w", domain.ErrCancelled, name, ctxErr)
		}
		return fmt.Errorf("%w: write unit %q: %w", domain.ErrStorageIO, name, err)
	}

	*remaining = (*remaining)[size:]
	return nil
}

// Read reassembles and decodes the record stored under id. A gap in the unit sequence fails the
// whole read with domain.ErrCorruptRecord.
func (s *Store) Read(ctx context.Context, id int64) (domain.ForecastRecord, error) {
	units, err := s.unitsOf(ctx, id)
	if err != nil {
		return domain.ForecastRecord{}, err
	}
	if len(units) == 0 {
		return domain.ForecastRecord{}, fmt.Errorf("forecast %d: %w", id, domain.ErrNotFound)
	}

	var data []byte
	for i, unit := range units {
		if unit.seq != i+1 {
			return domain.ForecastRecord{}, fmt.Errorf(
				"%w: forecast %d is missing unit %d",
				domain.ErrCorruptRecord,
				id,
				i+1,
			)
		}

		chunk, err := s.units.ReadUnit(ctx, unit.name)
		if err != nil {
			return domain.ForecastRecord{}, fmt.Errorf("%w: read unit %q: %w", domain.ErrStorageIO, unit.name, err)
		}
		data = append(data, chunk...)
	}

	record, err := domain.UnmarshalForecastRecord(data)
	if err != nil {
		return domain.ForecastRecord{}, fmt.Errorf("forecast %d: %w", id, err)
	}

	s.recorder.ObserveUnits(OperationRead, len(units))
	s.recorder.ObserveBytes(OperationRead, len(data))
	return record, nil
}

// Delete removes every unit of id. It fails with domain.ErrNotFound when there is nothing to
// delete; individual failures do not stop the remaining deletions and are joined in the result.
func (s *Store) Delete(ctx context.Context, id int64) error {
	units, err := s.unitsOf(ctx, id)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		return fmt.Errorf("forecast %d: %w", id, domain.ErrNotFound)
	}

	var errs []error
	deleted := 0
	for _, unit := range units {
		if err := s.units.RemoveUnit(ctx, unit.name); err != nil {
			errs = append(errs, fmt.Errorf("%w: remove unit %q: %w", domain.ErrStorageIO, unit.name, err))
			continue
		}
		deleted++
	}

	s.recorder.ObserveUnits(OperationDelete, deleted)
	if len(errs) > 0 {
		s.logger.Warn(
			"forecast partially deleted",
			slog.Int64("id", id),
			slog.Int("deleted", deleted),
			slog.Int("failed", len(errs)),
		)
		return errors.Join(errs...)
	}
	return nil
}

// Exists reports whether any unit of id is present.
func (s *Store) Exists(ctx context.Context, id int64) (bool, error) {
	units, err := s.unitsOf(ctx, id)
	if err != nil {
		return false, err
	}
	return len(units) > 0, nil
}

// Update replaces the record stored under id.
func (s *Store) Update(ctx context.Context, id int64, record domain.ForecastRecord) error {
	if err := s.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return s.Create(ctx, id, record)
}

func (s *Store) rollback(ctx context.Context, id int64, names []string) {
	cleanupCtx := context.WithoutCancel(ctx)

	removed := 0
	for _, name := range names {
		if err := s.units.RemoveUnit(cleanupCtx, name); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.Error(
				"failed to roll back unit",
				slog.Int64("id", id),
				slog.String("unit", name),
				slog.Any("error", err),
			)
			continue
		}
		removed++
	}

	s.recorder.ObserveUnits(OperationRollback, removed)
	s.logger.Warn("forecast write rolled back", slog.Int64("id", id), slog.Int("units", removed))
}

func (s *Store) usable(free int64) int64 {
	if free <= 0 {
		return 0
	}
	return int64(math.Floor(s.usableRatio * float64(free)))
}

func (s *Store) unitPrefix(id int64) string {
	return s.prefix + strconv.FormatInt(id, 10) + "_"
}

func (s *Store) unitName(id int64, seq int) string {
	return s.unitPrefix(id) + strconv.Itoa(seq)
}

type unitRef struct {
	name string
	seq  int
}

// unitsOf lists the units of id sorted by sequence number. Names whose suffix is not a plain
// positive decimal are ignored, so id 1 never picks up the units of id 10.
func (s *Store) unitsOf(ctx context.Context, id int64) ([]unitRef, error) {
	prefix := s.unitPrefix(id)
	names, err := s.units.UnitNames(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: list units of forecast %d: %w", domain.ErrStorageIO, id, err)
	}

	units := make([]unitRef, 0, len(names))
	for _, name := range names {
		suffix, ok := strings.CutPrefix(name, prefix)
		if !ok || !isDecimal(suffix) {
			continue
		}
		seq, err := strconv.Atoi(suffix)
		if err != nil || seq < 1 {
			continue
		}
		units = append(units, unitRef{name: name, seq: seq})
	}

	sort.Slice(units, func(i, j int) bool { return units[i].seq < units[j].seq })
	return units, nil
}

func isDecimal(value string) bool {
	if value == "" || value[0] == '0' {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

type noopRecorder struct{}

func (noopRecorder) ObserveUnits(string, int) {}
func (noopRecorder) ObserveBytes(string, int) {}
