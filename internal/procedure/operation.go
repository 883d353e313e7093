package procedure

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/util"
)

// TransformOperation is an opaque named downstream operation. It either
// succeeds or returns an error; what it does is not the invoker's concern.
type TransformOperation interface {
	Name() string
	Invoke(ctx context.Context, conn *store.Conn) error
}

// StoredProcedure calls a parameterless stored procedure
type StoredProcedure struct {
	name string
}

// NewStoredProcedure returns an operation calling name
func NewStoredProcedure(name string) *StoredProcedure {
	return &StoredProcedure{name: name}
}

func (p *StoredProcedure) Name() string { return p.name }

func (p *StoredProcedure) Invoke(ctx context.Context, conn *store.Conn) error {
	stmt, err := conn.Dialect().CallProcedure(p.name)
	if err != nil {
		return fmt.Errorf("%w: %v", util.ErrInvalidConfig, err)
	}
	_, err = conn.Exec(ctx, stmt)
	return err
}

// Script runs a configured SQL text, for stores without stored procedures
type Script struct {
	name string
	sql  string
}

// NewScript returns an operation running sql under name
func NewScript(name, sql string) *Script {
	return &Script{name: name, sql: sql}
}

func (s *Script) Name() string { return s.name }

func (s *Script) Invoke(ctx context.Context, conn *store.Conn) error {
	for _, stmt := range splitStatements(s.sql) {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Func adapts a plain function into an operation
type Func struct {
	OpName string
	Fn     func(ctx context.Context, conn *store.Conn) error
}

func (f *Func) Name() string { return f.OpName }

func (f *Func) Invoke(ctx context.Context, conn *store.Conn) error {
	return f.Fn(ctx, conn)
}

// Registry resolves operation names. Names without a registered operation
// are called as stored procedures.
type Registry struct {
	ops map[string]TransformOperation
}

// NewRegistry registers one Script per entry of scripts
func NewRegistry(scripts map[string]string) *Registry {
	r := &Registry{ops: make(map[string]TransformOperation)}
	for name, sql := range scripts {
		r.Register(NewScript(name, sql))
	}
	return r
}

// Register adds or replaces op
func (r *Registry) Register(op TransformOperation) {
	r.ops[op.Name()] = op
}

// Lookup returns the operation for name
func (r *Registry) Lookup(name string) TransformOperation {
	if op, ok := r.ops[name]; ok {
		return op
	}
	return NewStoredProcedure(name)
}

// splitStatements splits a script on semicolons outside quoted literals and
// outside BEGIN ... END and CASE ... END blocks, so trigger and procedure
// bodies stay whole. BEGIN TRANSACTION and END IF style keywords open or
// close nothing.
func splitStatements(sql string) []string {
	var out []string
	var b, word strings.Builder
	var quote rune
	depth := 0
	pending := "" // BEGIN or END waiting for the next word

	resolve := func(next string) {
		switch pending {
		case "BEGIN":
			if !txnWords[next] {
				depth++
			}
		case "END":
			if !endQualifiers[next] && depth > 0 {
				depth--
			}
		}
		pending = ""
	}
	endWord := func() {
		if word.Len() == 0 {
			return
		}
		w := strings.ToUpper(word.String())
		word.Reset()
		closedCase := pending == "END" && w == "CASE"
		if pending != "" {
			resolve(w)
		}
		switch w {
		case "BEGIN", "END":
			pending = w
		case "CASE":
			if !closedCase {
				depth++
			}
		}
	}

	for _, r := range sql {
		if quote != 0 {
			if r == quote {
				quote = 0
			}
			b.WriteRune(r)
			continue
		}

		if r == '_' || unicode.IsLetter(r) || (word.Len() > 0 && unicode.IsDigit(r)) {
			word.WriteRune(r)
			b.WriteRune(r)
			continue
		}
		endWord()

		switch r {
		case '\'', '"':
			quote = r
			b.WriteRune(r)
		case ';':
			if pending != "" {
				resolve("")
			}
			if depth > 0 {
				b.WriteRune(r)
				continue
			}
			if stmt := strings.TrimSpace(b.String()); stmt != "" {
				out = append(out, stmt)
			}
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	endWord()
	if stmt := strings.TrimSpace(b.String()); stmt != "" {
		out = append(out, stmt)
	}
	return out
}

var txnWords = map[string]bool{
	"": true, "TRANSACTION": true, "TRAN": true, "WORK": true,
	"DEFERRED": true, "IMMEDIATE": true, "EXCLUSIVE": true,
}

var endQualifiers = map[string]bool{
	"IF": true, "LOOP": true, "WHILE": true, "REPEAT": true,
	"TRANSACTION": true, "TRAN": true,
}
