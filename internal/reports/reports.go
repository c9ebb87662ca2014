// Package reports implements the reports.generate task over generated sample
// data.
package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/SirClappington/taskq/internal/tasks"
)

const TaskName = "reports.generate"

type Type string

const (
	Sales     Type = "sales"
	Inventory Type = "inventory"
	Users     Type = "users"
)

type Format string

const (
	CSV  Format = "csv"
	JSON Format = "json"
)

var ErrUnknownType = errors.New("unknown report type")

// Result is recorded as the task result.
type Result struct {
	ReportType     Type      `json:"report_type"`
	Format         Format    `json:"format"`
	RowCount       int       `json:"row_count"`
	ContentLength  int       `json:"content_length"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	GeneratedAt    time.Time `json:"generated_at"`
	Content        string    `json:"content"`
}

var (
	products = []string{"Product A", "Product B", "Product C", "Product D", "Product E"}
	people   = []string{"tanaka", "sato", "suzuki", "takahashi", "ito"}
)

type record interface {
	header() []string
	fields() []string
}

type sale struct {
	ID       string `json:"id"`
	Date     string `json:"date"`
	Product  string `json:"product"`
	Quantity int    `json:"quantity"`
	Amount   int    `json:"amount"`
}

func (sale) header() []string { return []string{"id", "date", "product", "quantity", "amount"} }
func (s sale) fields() []string {
	return []string{s.ID, s.Date, s.Product, strconv.Itoa(s.Quantity), strconv.Itoa(s.Amount)}
}

type stock struct {
	Product     string    `json:"product"`
	Stock       int       `json:"stock"`
	Warehouse   string    `json:"warehouse"`
	LastUpdated time.Time `json:"last_updated"`
}

func (stock) header() []string { return []string{"product", "stock", "warehouse", "last_updated"} }
func (s stock) fields() []string {
	return []string{s.Product, strconv.Itoa(s.Stock), s.Warehouse, s.LastUpdated.Format(time.RFC3339)}
}

type user struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	RegisteredAt string `json:"registered_at"`
	Orders       int    `json:"orders"`
}

func (user) header() []string { return []string{"id", "name", "email", "registered_at", "orders"} }
func (u user) fields() []string {
	return []string{strconv.Itoa(u.ID), u.Name, u.Email, u.RegisteredAt, strconv.Itoa(u.Orders)}
}

// Generator builds reports from pseudo-random sample data.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

func NewGenerator(seed uint64) *Generator {
	return &Generator{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), now: time.Now}
}

// between returns a value in [lo, hi].
func (g *Generator) between(lo, hi int) int { return lo + g.rnd.IntN(hi-lo+1) }

func (g *Generator) rows(t Type) ([]record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []record
	switch t {
	case Sales:
		n := g.between(50, 200)
		for i := 0; i < n; i++ {
			out = append(out, sale{
				ID:       uuid.NewString()[:8],
				Date:     fmt.Sprintf("2024-01-%02d", g.between(1, 31)),
				Product:  products[g.rnd.IntN(len(products))],
				Quantity: g.between(1, 100),
				Amount:   g.between(1000, 100000),
			})
		}
	case Inventory:
		now := g.now().UTC().Truncate(time.Second)
		for _, p := range products {
			out = append(out, stock{
				Product:     p,
				Stock:       g.between(0, 500),
				Warehouse:   "Warehouse " + string(rune('A'+g.rnd.IntN(3))),
				LastUpdated: now,
			})
		}
	case Users:
		for i, name := range people {
			out = append(out, user{
				ID:           i + 1,
				Name:         name,
				Email:        name + "@example.com",
				RegisteredAt: fmt.Sprintf("2024-%02d-%02d", g.between(1, 12), g.between(1, 28)),
				Orders:       g.between(0, 50),
			})
		}
	default:
		return nil, errors.Wrapf(ErrUnknownType, "%q", t)
	}
	return out, nil
}

// Generate renders a report. Any format other than CSV renders as indented
// JSON.
func (g *Generator) Generate(ctx context.Context, t Type, f Format) (Result, error) {
	start := time.Now()
	rows, err := g.rows(t)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var content string
	if f == CSV {
		content, err = renderCSV(rows)
	} else {
		content, err = renderJSON(rows)
	}
	if err != nil {
		return Result{}, err
	}

	return Result{
		ReportType:     t,
		Format:         f,
		RowCount:       len(rows),
		ContentLength:  len(content),
		ElapsedSeconds: float64(time.Since(start).Round(10*time.Millisecond)) / float64(time.Second),
		GeneratedAt:    g.now().UTC(),
		Content:        content,
	}, nil
}

func renderCSV(rows []record) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(rows[0].header()); err != nil {
		return "", errors.Wrap(err, "write csv header")
	}
	for _, r := range rows {
		if err := w.Write(r.fields()); err != nil {
			return "", errors.Wrap(err, "write csv row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", errors.Wrap(err, "flush csv")
	}
	return buf.String(), nil
}

func renderJSON(rows []record) (string, error) {
	b, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encode json report")
	}
	return string(b), nil
}

// Register adds the reports.generate task. It takes (report_type, format)
// positionally or as keywords; format defaults to csv.
func Register(reg *tasks.Registry, g *Generator) {
	reg.Register(TaskName, func(ctx context.Context, inv tasks.Invocation) (any, error) {
		var (
			t Type
			f = CSV
		)
		if err := inv.BindNamed([]string{"report_type", "format"}, &t, &f); err != nil {
			return nil, err
		}
		return g.Generate(ctx, t, f)
	})
}
