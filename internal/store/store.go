package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/elonfeng/langsync/pkg/status"
)

// ErrNotFound is returned when an item id is not in the store.
var ErrNotFound = errors.New("item not found")

// ErrNoText is returned when confidences are written for an item without text.
var ErrNoText = errors.New("item has no text")

const itemColumns = `id, display_name, attribution, added_at, source, text, labels,
	label_confidences, primary_label, primary_confidence, model_tag, status`

// usableConfidences is 1 when label_confidences holds a JSON object whose
// values are all numbers in [0,1], the same rule DecodeConfidences applies.
// NULL counts as usable here; callers test for it separately. The CASE keeps
// the JSON functions away from malformed text.
const usableConfidences = `CASE
	WHEN json_valid(items.label_confidences) = 0 THEN 0
	WHEN json_type(items.label_confidences) != 'object' THEN 0
	ELSE NOT EXISTS (
		SELECT 1 FROM json_each(items.label_confidences) AS c
		WHERE c.type NOT IN ('integer', 'real') OR c.value < 0 OR c.value > 1
	)
END`

// Item is one persisted media entry and its classification state.
type Item struct {
	ID                string        `db:"id" json:"id"`
	DisplayName       string        `db:"display_name" json:"display_name"`
	Attribution       string        `db:"attribution" json:"attribution"`
	AddedAt           string        `db:"added_at" json:"added_at"`
	Source            string        `db:"source" json:"source"`
	Text              *string       `db:"text" json:"-"`
	LabelsJSON        string        `db:"labels" json:"-"`
	ConfidencesJSON   *string       `db:"label_confidences" json:"-"`
	PrimaryLabel      string        `db:"primary_label" json:"primary_label"`
	PrimaryConfidence float64       `db:"primary_confidence" json:"primary_confidence"`
	ModelTag          string        `db:"model_tag" json:"model_tag"`
	Status            status.Status `db:"status" json:"status"`

	Labels      []string           `db:"-" json:"labels"`
	Confidences map[string]float64 `db:"-" json:"label_confidences"`
}

// HasText reports whether the item has been enriched with a non-empty payload.
func (i *Item) HasText() bool {
	return i.Text != nil && *i.Text != ""
}

// TextValue returns the stored text or "" when NULL.
func (i *Item) TextValue() string {
	if i.Text == nil {
		return ""
	}
	return *i.Text
}

// ItemUpdate carries the fields of an upsert. A nil field leaves the stored
// value untouched; a non-nil field overwrites it.
type ItemUpdate struct {
	ID          string
	DisplayName *string
	Attribution *string
	AddedAt     *string
	Source      *string
	Text        *string
}

// Classification is the stage-3 result written for one item.
type Classification struct {
	Confidences map[string]float64
	Resolution  status.Resolution
	ModelTag    string
}

// ListOpts controls item listing.
type ListOpts struct {
	Statuses []status.Status
	Source   string
	Limit    int
	Offset   int
}

// Store is the persistence interface.
type Store interface {
	Upsert(ctx context.Context, u ItemUpdate) error
	SetClassification(ctx context.Context, id string, c Classification) error
	GetItem(ctx context.Context, id string) (*Item, error)

	MissingText(ctx context.Context) ([]Item, error)
	MissingClassification(ctx context.Context) ([]Item, error)
	ByStatus(ctx context.Context, statuses ...status.Status) ([]Item, error)
	QualifyingForLabels(ctx context.Context, labels []string, threshold float64) ([]Item, error)
	ListItems(ctx context.Context, opts ListOpts) ([]Item, error)
	CountByStatus(ctx context.Context) (map[status.Status]int, error)

	Close() error
}

// SQLiteStore implements Store using SQLite. Every mutating call is a single
// autocommitted statement.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// New opens a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection keeps PRAGMAs and :memory: databases consistent.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Upsert inserts a new row or merges the non-nil fields into an existing one.
// Changing the text of an item invalidates its classification.
func (s *SQLiteStore) Upsert(ctx context.Context, u ItemUpdate) error {
	if u.ID == "" {
		return errors.New("upsert item: empty id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, display_name, attribution, added_at, source, text)
		VALUES (?1, COALESCE(?2, ''), COALESCE(?3, ''), COALESCE(?4, ''), COALESCE(?5, ''), ?6)
		ON CONFLICT(id) DO UPDATE SET
			display_name = COALESCE(?2, display_name),
			attribution  = COALESCE(?3, attribution),
			added_at     = COALESCE(?4, added_at),
			source       = COALESCE(?5, source),
			text         = COALESCE(?6, text),
			label_confidences  = CASE WHEN ?6 IS NOT NULL AND ?6 IS NOT text THEN NULL ELSE label_confidences END,
			labels             = CASE WHEN ?6 IS NOT NULL AND ?6 IS NOT text THEN '[]' ELSE labels END,
			primary_label      = CASE WHEN ?6 IS NOT NULL AND ?6 IS NOT text THEN '' ELSE primary_label END,
			primary_confidence = CASE WHEN ?6 IS NOT NULL AND ?6 IS NOT text THEN 0 ELSE primary_confidence END,
			model_tag          = CASE WHEN ?6 IS NOT NULL AND ?6 IS NOT text THEN '' ELSE model_tag END,
			status             = CASE WHEN ?6 IS NOT NULL AND ?6 IS NOT text THEN 'pending' ELSE status END
	`, u.ID, nullable(u.DisplayName), nullable(u.Attribution), nullable(u.AddedAt), nullable(u.Source), nullable(u.Text))
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", u.ID, err)
	}
	return nil
}

// SetClassification stores confidences together with the derived status and
// primary label in one statement.
func (s *SQLiteStore) SetClassification(ctx context.Context, id string, c Classification) error {
	for label, conf := range c.Confidences {
		if math.IsNaN(conf) || conf < 0 || conf > 1 {
			return fmt.Errorf("set classification %s: confidence %v for %s outside [0,1]", id, conf, label)
		}
	}

	confidences := c.Confidences
	if confidences == nil {
		confidences = map[string]float64{}
	}
	confJSON, err := json.Marshal(confidences)
	if err != nil {
		return fmt.Errorf("encode confidences %s: %w", id, err)
	}
	labels := c.Resolution.Labels
	if labels == nil {
		labels = []string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("encode labels %s: %w", id, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET
			labels = ?,
			label_confidences = ?,
			primary_label = ?,
			primary_confidence = ?,
			model_tag = COALESCE(NULLIF(?, ''), model_tag),
			status = ?
		WHERE id = ? AND (? = 0 OR (text IS NOT NULL AND text != ''))
	`, string(labelsJSON), string(confJSON), c.Resolution.PrimaryLabel,
		c.Resolution.PrimaryConfidence, c.ModelTag, string(c.Resolution.Status), id, len(confidences))
	if err != nil {
		return fmt.Errorf("set classification %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetItem(ctx, id); err != nil {
		return fmt.Errorf("set classification: %w", err)
	}
	return fmt.Errorf("set classification %s: %w", id, ErrNoText)
}

func nullable(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*Item, error) {
	var item Item
	err := s.db.GetContext(ctx, &item, "SELECT "+itemColumns+" FROM items WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	item.decode()
	return &item, nil
}

// MissingText returns items that still need enrichment.
func (s *SQLiteStore) MissingText(ctx context.Context) ([]Item, error) {
	return s.selectItems(ctx, "missing text", items().
		Where(sq.Or{sq.Eq{"text": nil}, sq.Eq{"text": ""}}).
		Where(sq.NotEq{"status": string(status.Skip)}))
}

// MissingClassification returns enriched items without a usable
// classification. Rows whose stored mapping is malformed, not an object, or
// holds a value outside [0,1] are included so they get classified again.
func (s *SQLiteStore) MissingClassification(ctx context.Context) ([]Item, error) {
	return s.selectItems(ctx, "missing classification", items().
		Where(sq.And{sq.NotEq{"text": nil}, sq.NotEq{"text": ""}}).
		Where(sq.Or{
			sq.Eq{"label_confidences": nil},
			sq.Eq{"label_confidences": ""},
			sq.Expr("(" + usableConfidences + ") = 0"),
		}))
}

func (s *SQLiteStore) ByStatus(ctx context.Context, statuses ...status.Status) ([]Item, error) {
	return s.ListItems(ctx, ListOpts{Statuses: statuses})
}

// QualifyingForLabels returns add/review items holding any of labels at or
// above threshold, ordered by added_at. Items with an unusable mapping never
// qualify.
func (s *SQLiteStore) QualifyingForLabels(ctx context.Context, labels []string, threshold float64) ([]Item, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	sub, subArgs, err := sq.Select("1").
		From("json_each(CASE WHEN (" + usableConfidences + ") = 1 THEN items.label_confidences END)").
		Where(sq.Eq{"key": labels}).
		Where(sq.GtOrEq{"value": threshold}).
		Where(sq.LtOrEq{"value": 1}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build label subquery: %w", err)
	}
	return s.selectItems(ctx, "qualifying items", items().
		Where(sq.Eq{"status": statusStrings([]status.Status{status.Add, status.Review})}).
		Where("EXISTS ("+sub+")", subArgs...))
}

func (s *SQLiteStore) ListItems(ctx context.Context, opts ListOpts) ([]Item, error) {
	q := items()
	if len(opts.Statuses) > 0 {
		q = q.Where(sq.Eq{"status": statusStrings(opts.Statuses)})
	}
	if opts.Source != "" {
		q = q.Where(sq.Eq{"source": opts.Source})
	}
	if opts.Limit > 0 {
		q = q.Limit(uint64(opts.Limit))
		if opts.Offset > 0 {
			q = q.Offset(uint64(opts.Offset))
		}
	}
	return s.selectItems(ctx, "list items", q)
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[status.Status]int, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT status, COUNT(*) AS cnt FROM items GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count items by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[status.Status]int)
	for rows.Next() {
		var st string
		var cnt int
		if err := rows.Scan(&st, &cnt); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status.Status(st)] = cnt
	}
	return counts, rows.Err()
}

func statusStrings(statuses []status.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func items() sq.SelectBuilder {
	return sq.Select(itemColumns).From("items").OrderBy("added_at", "id")
}

func (s *SQLiteStore) selectItems(ctx context.Context, op string, q sq.SelectBuilder) ([]Item, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s query: %w", op, err)
	}
	var out []Item
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for i := range out {
		out[i].decode()
	}
	return out, nil
}

// decode fills the structured fields from their JSON columns. A mapping that
// fails to parse is treated as empty.
func (i *Item) decode() {
	i.Labels = nil
	if err := json.Unmarshal([]byte(i.LabelsJSON), &i.Labels); err != nil {
		i.Labels = nil
	}
	i.Confidences = DecodeConfidences(i.ConfidencesJSON)
}

// DecodeConfidences parses a stored label -> confidence mapping. NULL, empty,
// and unusable values (malformed, not an object, a non-numeric value or one
// outside [0,1]) all yield an empty map.
func DecodeConfidences(raw *string) map[string]float64 {
	out := map[string]float64{}
	if raw == nil || *raw == "" {
		return out
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(*raw), &parsed); err != nil {
		return out
	}
	for label, v := range parsed {
		conf, ok := v.(float64)
		if !ok || conf < 0 || conf > 1 || math.IsNaN(conf) {
			return map[string]float64{}
		}
		out[label] = conf
	}
	return out
}
