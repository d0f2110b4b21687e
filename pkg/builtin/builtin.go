// Package builtin provides the small set of diagnostic servlets
// cmd/plumberd ships next to the library code, for smoke-testing a
// service graph and for graph validate's dry run. It deliberately
// does not contain anything resembling a business servlet: each
// definition here only copies bytes from its input side to its
// output side, generalizing the echo-in/echo-transform/echo-out trio
// used to exercise pkg/runtime's own tests.
package builtin

import (
	"fmt"

	"github.com/plumberd/plumber/pkg/servlet"
	"github.com/plumberd/plumber/pkg/stab"
	"github.com/plumberd/plumber/pkg/types"
)

// Descriptor names under which the registry below answers Lookup.
const (
	// Source reads the graph's root input and copies it to its "out"
	// PD. Use it as the graph's designated input node.
	Source = "builtin.source"
	// Passthrough copies its "in" PD to its "out" PD unchanged. Use
	// it for interior nodes in a smoke-test graph.
	Passthrough = "builtin.passthrough"
	// Sink copies its "in" PD to the graph's root output. Use it as
	// the graph's designated output node.
	Sink = "builtin.sink"
)

const bufSize = 65536

type sourceState struct{ out types.PDID }
type passthroughState struct{ in, out types.PDID }
type sinkState struct{ in types.PDID }

var defs = map[string]*servlet.Definition{
	Source: {
		Desc: Source,
		Init: func(at *servlet.AddressTable, argv []string) (any, error) {
			out, err := at.DefinePD("out", types.PDFlagOutput, "Bytes")
			if err != nil {
				return nil, err
			}
			return sourceState{out: out}, nil
		},
		Exec: func(at *servlet.AddressTable, data any) error {
			d := data.(sourceState)
			buf := make([]byte, bufSize)
			n, err := at.ReadRootIn(buf)
			if err != nil {
				return err
			}
			_, err = at.WritePipe(d.out, buf[:n])
			return err
		},
	},
	Passthrough: {
		Desc: Passthrough,
		Init: func(at *servlet.AddressTable, argv []string) (any, error) {
			in, err := at.DefinePD("in", types.PDFlagInput, "Bytes")
			if err != nil {
				return nil, err
			}
			out, err := at.DefinePD("out", types.PDFlagOutput, "Bytes")
			if err != nil {
				return nil, err
			}
			return passthroughState{in: in, out: out}, nil
		},
		Exec: func(at *servlet.AddressTable, data any) error {
			d := data.(passthroughState)
			buf := make([]byte, bufSize)
			n, err := at.ReadPipe(d.in, buf)
			if err != nil {
				return err
			}
			_, err = at.WritePipe(d.out, buf[:n])
			return err
		},
	},
	Sink: {
		Desc: Sink,
		Init: func(at *servlet.AddressTable, argv []string) (any, error) {
			in, err := at.DefinePD("in", types.PDFlagInput, "Bytes")
			if err != nil {
				return nil, err
			}
			return sinkState{in: in}, nil
		},
		Exec: func(at *servlet.AddressTable, data any) error {
			d := data.(sinkState)
			buf := make([]byte, bufSize)
			n, err := at.ReadPipe(d.in, buf)
			if err != nil {
				return err
			}
			_, err = at.WriteRootOut(buf[:n])
			return err
		},
	},
}

// Registry returns a stab.Loader that answers Source, Passthrough,
// and Sink, and nothing else. A real deployment supplies its own
// Loader over its own servlet binaries; Registry exists so
// cmd/plumberd has something runnable out of the box for graph
// validate and for a first smoke-test deploy.
func Registry() stab.Loader {
	return stab.LoaderFunc(func(desc string) (*servlet.Definition, error) {
		def, ok := defs[desc]
		if !ok {
			return nil, fmt.Errorf("builtin: unknown servlet %q", desc)
		}
		return def, nil
	})
}
