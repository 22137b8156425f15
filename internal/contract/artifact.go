// Package contract binds compiled covenant artifacts to a network session and
// builds the transactions that spend from them.
package contract

import (
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/txscript"
	"github.com/vietddude/distributor/internal/keys"
)

//go:embed artifacts/*.json
var artifactFS embed.FS

// DividendDistributor is the name of the bundled dividend covenant.
const DividendDistributor = "DividendDistributor"

// Input is a constructor or function parameter.
type Input struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Function is an ABI entry.
type Function struct {
	Name   string  `json:"name"`
	Inputs []Input `json:"inputs"`
}

// Artifact is a compiled contract definition.
type Artifact struct {
	ContractName      string     `json:"contractName"`
	ConstructorInputs []Input    `json:"constructorInputs"`
	ABI               []Function `json:"abi"`
	Bytecode          string     `json:"bytecode"`
	Source            string     `json:"source,omitempty"`

	code []byte
}

// Code returns the decoded bytecode.
func (a *Artifact) Code() []byte {
	return append([]byte(nil), a.code...)
}

// HasFunction reports whether the ABI declares name.
func (a *Artifact) HasFunction(name string) bool {
	for _, f := range a.ABI {
		if f.Name == name {
			return true
		}
	}
	return false
}

var (
	artifactsOnce sync.Once
	artifacts     map[string]*Artifact
	artifactsErr  error
)

func loadArtifacts() {
	artifacts = make(map[string]*Artifact)
	entries, err := artifactFS.ReadDir("artifacts")
	if err != nil {
		artifactsErr = err
		return
	}
	for _, e := range entries {
		data, err := artifactFS.ReadFile("artifacts/" + e.Name())
		if err != nil {
			artifactsErr = err
			return
		}
		var a Artifact
		if err := json.Unmarshal(data, &a); err != nil {
			artifactsErr = fmt.Errorf("parse %s: %w", e.Name(), err)
			return
		}
		if a.code, err = hex.DecodeString(a.Bytecode); err != nil {
			artifactsErr = fmt.Errorf("decode bytecode of %s: %w", a.ContractName, err)
			return
		}
		artifacts[a.ContractName] = &a
	}
}

// LoadArtifact returns the bundled artifact with the given contract name.
func LoadArtifact(name string) (*Artifact, error) {
	artifactsOnce.Do(loadArtifacts)
	if artifactsErr != nil {
		return nil, artifactsErr
	}
	a, ok := artifacts[name]
	if !ok {
		return nil, fmt.Errorf("unknown contract definition %q", name)
	}
	return a, nil
}

type argKind int

const (
	argInt argKind = iota
	argBytes
)

// Arg is a constructor argument.
type Arg struct {
	kind argKind
	i    int64
	b    []byte
}

// IntArg wraps an integer constructor argument.
func IntArg(v int64) Arg { return Arg{kind: argInt, i: v} }

// BytesArg wraps a byte-string constructor argument.
func BytesArg(b []byte) Arg { return Arg{kind: argBytes, b: append([]byte(nil), b...)} }

// Int returns the integer value and whether the argument is an integer.
func (a Arg) Int() (int64, bool) { return a.i, a.kind == argInt }

func (a Arg) matches(typ string) bool {
	switch typ {
	case "int":
		return a.kind == argInt
	case "bool":
		return a.kind == argInt && (a.i == 0 || a.i == 1)
	default:
		return a.kind == argBytes
	}
}

// Params are the constructor parameters of a contract instance.
type Params struct {
	Definition string
	Args       []Arg
}

// DividendParams returns the parameters of a DividendDistributor instance.
func DividendParams(dividendPerToken int64) Params {
	return Params{Definition: DividendDistributor, Args: []Arg{IntArg(dividendPerToken)}}
}

// Arg returns the argument bound to the constructor input called name.
func (p Params) Arg(name string) (Arg, bool) {
	a, err := LoadArtifact(p.Definition)
	if err != nil {
		return Arg{}, false
	}
	for i, in := range a.ConstructorInputs {
		if in.Name == name && i < len(p.Args) {
			return p.Args[i], true
		}
	}
	return Arg{}, false
}

func (p Params) validate(a *Artifact) error {
	if len(p.Args) != len(a.ConstructorInputs) {
		return fmt.Errorf("%s expects %d constructor arguments, got %d",
			a.ContractName, len(a.ConstructorInputs), len(p.Args))
	}
	for i, in := range a.ConstructorInputs {
		if !p.Args[i].matches(in.Type) {
			return fmt.Errorf("%s argument %q must be %s", a.ContractName, in.Name, in.Type)
		}
	}
	return nil
}

// RedeemScript returns the constructor arguments, pushed last-first, followed by the bytecode.
func RedeemScript(p Params) ([]byte, error) {
	a, err := LoadArtifact(p.Definition)
	if err != nil {
		return nil, err
	}
	if err := p.validate(a); err != nil {
		return nil, err
	}

	b := txscript.NewScriptBuilder()
	for i := len(p.Args) - 1; i >= 0; i-- {
		arg := p.Args[i]
		if arg.kind == argInt {
			b.AddInt64(arg.i)
		} else {
			b.AddData(arg.b)
		}
	}
	prefix, err := b.Script()
	if err != nil {
		return nil, fmt.Errorf("build redeem script: %w", err)
	}
	return append(prefix, a.code...), nil
}

// Address derives the P2SH address of a contract instance. It touches no network.
func Address(p Params, net keys.Network) (string, error) {
	redeem, err := RedeemScript(p)
	if err != nil {
		return "", err
	}
	h := keys.Hash160(redeem)
	return keys.EncodeAddress(h[:], net, keys.P2SH)
}
