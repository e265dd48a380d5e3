// Package editor locates and rewrites the bridge call site and generated
// code regions inside Go test sources. All mutating operations on the same
// file are serialized behind a path-keyed lock; operations on different
// files proceed in parallel.
package editor

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"strings"

	"github.com/probelab/testbridge/internal/logger"
	"github.com/probelab/testbridge/internal/metrics"
)

// DefaultCallName is the bare function name of the distinguished call site
// a test uses to start the bridge. Its enclosing statement is the unit
// removed at finalize.
const DefaultCallName = "ConnectBridge"

// Editor rewrites test source files.
type Editor struct {
	callName string
	locks    PathLockMap
}

// New creates an editor. callName overrides the distinguished call-site
// name; empty selects DefaultCallName.
func New(callName string) *Editor {
	if callName == "" {
		callName = DefaultCallName
	}
	return &Editor{callName: callName}
}

// HasCallSite reports whether the file still contains the bridge call.
// Parse failure is treated as "not found", not an error: the check is
// advisory and a concurrent edit may leave a transiently unparsable view.
func (e *Editor) HasCallSite(path string) bool {
	src, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, src, parser.ParseComments)
	if err != nil {
		return false
	}
	stmt := e.findCallStmt(file)
	return stmt != nil
}

// RemoveCallSite deletes the statement enclosing the bridge call and
// persists the file. A file already lacking the call site is a logged
// no-op, so finalizing twice is safe.
func (e *Editor) RemoveCallSite(path string) error {
	e.locks.Lock(path)
	defer e.locks.Unlock(path)

	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, src, parser.ParseComments)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	stmt := e.findCallStmt(file)
	if stmt == nil {
		logger.Info("No %s call site in %s, nothing to remove", e.callName, path)
		return nil
	}

	// Delete the statement's source lines rather than reprinting the AST,
	// so every other byte of the file survives untouched.
	startLine := fset.Position(stmt.Pos()).Line
	endLine := fset.Position(stmt.End()).Line
	out := deleteLines(string(src), startLine, endLine)

	if err := writeFileAtomic(path, []byte(out)); err != nil {
		return err
	}
	metrics.RecordFileEdit("remove_call_site")
	logger.Info("Removed %s call site from %s (lines %d-%d)", e.callName, path, startLine, endLine)
	return nil
}

// findCallStmt returns the innermost statement containing a call to the
// distinguished function name, or nil. The name matches both the bare
// identifier form and the selector form (pkg.Name).
func (e *Editor) findCallStmt(file *ast.File) ast.Stmt {
	var found ast.Stmt
	var stack []ast.Node

	// Nodes are pushed only when their children are visited; the nil
	// callback marking the end of a subtree pops them again.
	ast.Inspect(file, func(n ast.Node) bool {
		if n == nil {
			stack = stack[:len(stack)-1]
			return false
		}
		if found != nil {
			return false
		}
		if call, ok := n.(*ast.CallExpr); ok && e.matchesCall(call) {
			for i := len(stack) - 1; i >= 0; i-- {
				if stmt, ok := stack[i].(ast.Stmt); ok {
					found = stmt
					break
				}
			}
			return false
		}
		stack = append(stack, n)
		return true
	})
	return found
}

func (e *Editor) matchesCall(call *ast.CallExpr) bool {
	switch fn := call.Fun.(type) {
	case *ast.Ident:
		return fn.Name == e.callName
	case *ast.SelectorExpr:
		return fn.Sel.Name == e.callName
	}
	return false
}

// deleteLines removes lines start..end (1-based, inclusive) from src.
func deleteLines(src string, start, end int) string {
	lines := strings.Split(src, "\n")
	var out []string
	for i, line := range lines {
		lineNo := i + 1
		if lineNo >= start && lineNo <= end {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// writeFileAtomic persists content via tmp+rename so a concurrent reader
// never observes a torn write.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
