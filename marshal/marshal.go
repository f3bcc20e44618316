// Package marshal serializes code objects to .tyc images.
//
// An image is a canonical CBOR encoding of an Image: a format version and
// the module code object, with nested code objects carried inline as
// constants. Canonical mode makes the encoding deterministic, so equal code
// produces byte-identical files.
package marshal

import (
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/tycore/vm"
)

// Version is the image format written by this package.
const Version = 1

// Magic tags every image.
const Magic = "tyc"

var cborEncMode cbor.EncMode

var cborDecMode cbor.DecMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("marshal: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
	dm, err := cbor.DecOptions{MaxNestedLevels: 256}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("marshal: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// Image is the top-level .tyc record.
type Image struct {
	Magic   string    `cbor:"magic"`
	Version int       `cbor:"version"`
	Hash    [32]byte  `cbor:"hash"`
	Code    CodeImage `cbor:"code"`
}

// CodeImage mirrors vm.Code.
type CodeImage struct {
	Name            string   `cbor:"name"`
	QualName        string   `cbor:"qualname,omitempty"`
	Filename        string   `cbor:"filename,omitempty"`
	FirstLineNo     int      `cbor:"firstlineno,omitempty"`
	ArgCount        int      `cbor:"argcount,omitempty"`
	PosOnlyArgCount int      `cbor:"posonlyargcount,omitempty"`
	KwOnlyArgCount  int      `cbor:"kwonlyargcount,omitempty"`
	Flags           uint32   `cbor:"flags,omitempty"`
	StackSize       int      `cbor:"stacksize"`
	Bytecode        []byte   `cbor:"bytecode"`
	Consts          []Const  `cbor:"consts,omitempty"`
	Names           []string `cbor:"names,omitempty"`
	LocalNames      []string `cbor:"localnames,omitempty"`
	LocalKinds      []byte   `cbor:"localkinds,omitempty"`
	ExceptionTable  []byte   `cbor:"exceptiontable,omitempty"`
	Lines           []int32  `cbor:"lines,omitempty"`
}

// ConstKind tags a constant.
type ConstKind uint8

const (
	ConstNone ConstKind = iota
	ConstBool
	ConstInt
	ConstStr
	ConstTuple
	ConstCode
)

// Const is one entry of a code object's constant pool.
type Const struct {
	Kind  ConstKind  `cbor:"k"`
	Int   int64      `cbor:"i,omitempty"`
	Str   string     `cbor:"s,omitempty"`
	Items []Const    `cbor:"t,omitempty"`
	Code  *CodeImage `cbor:"c,omitempty"`
}

// MarshalCode serializes a code object to CBOR bytes.
func MarshalCode(c *vm.Code) ([]byte, error) {
	ci, err := encodeCode(c)
	if err != nil {
		return nil, err
	}
	body, err := cborEncMode.Marshal(ci)
	if err != nil {
		return nil, fmt.Errorf("marshal: encode code: %w", err)
	}
	return cborEncMode.Marshal(&Image{
		Magic:   Magic,
		Version: Version,
		Hash:    sha256.Sum256(body),
		Code:    *ci,
	})
}

// UnmarshalCode deserializes a code object from CBOR bytes. Every code
// object in the image is validated by vm.NewCode.
func UnmarshalCode(data []byte) (*vm.Code, error) {
	var img Image
	if err := cborDecMode.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("marshal: unmarshal image: %w", err)
	}
	if img.Magic != Magic {
		return nil, fmt.Errorf("marshal: not a .tyc image")
	}
	if img.Version != Version {
		return nil, fmt.Errorf("marshal: unsupported image version %d (want %d)", img.Version, Version)
	}
	body, err := cborEncMode.Marshal(&img.Code)
	if err != nil {
		return nil, fmt.Errorf("marshal: re-encode code: %w", err)
	}
	if computed := sha256.Sum256(body); computed != img.Hash {
		return nil, fmt.Errorf("marshal: hash mismatch: declared %x, computed %x", img.Hash, computed)
	}
	return decodeCode(&img.Code)
}

// WriteFile writes c to path as a .tyc image.
func WriteFile(path string, c *vm.Code) error {
	data, err := MarshalCode(c)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return nil
}

// ReadFile loads a .tyc image from path.
func ReadFile(path string) (*vm.Code, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	c, err := UnmarshalCode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func encodeCode(c *vm.Code) (*CodeImage, error) {
	ci := &CodeImage{
		Name:            c.Name,
		QualName:        c.QualName,
		Filename:        c.Filename,
		FirstLineNo:     c.FirstLineNo,
		ArgCount:        c.ArgCount,
		PosOnlyArgCount: c.PosOnlyArgCount,
		KwOnlyArgCount:  c.KwOnlyArgCount,
		Flags:           uint32(c.Flags),
		StackSize:       c.StackSize,
		Bytecode:        c.Bytecode,
		ExceptionTable:  c.ExceptionTable,
		Lines:           c.Lines,
	}
	if ci.QualName == ci.Name {
		ci.QualName = ""
	}
	for _, o := range c.Consts {
		k, err := encodeConst(o)
		if err != nil {
			return nil, fmt.Errorf("marshal: code %s: %w", c.Name, err)
		}
		ci.Consts = append(ci.Consts, k)
	}
	for _, n := range c.Names {
		ci.Names = append(ci.Names, vm.Str(n))
	}
	for i, n := range c.LocalsPlusNames {
		ci.LocalNames = append(ci.LocalNames, vm.Str(n))
		ci.LocalKinds = append(ci.LocalKinds, byte(c.LocalsPlusKinds[i]))
	}
	return ci, nil
}

func encodeConst(o *vm.Object) (Const, error) {
	switch {
	case o == vm.None:
		return Const{Kind: ConstNone}, nil
	case o == vm.True:
		return Const{Kind: ConstBool, Int: 1}, nil
	case o == vm.False:
		return Const{Kind: ConstBool}, nil
	}
	if v, ok := vm.IntValue(o); ok {
		return Const{Kind: ConstInt, Int: v}, nil
	}
	if s, ok := vm.StrValue(o); ok {
		return Const{Kind: ConstStr, Str: s}, nil
	}
	if c, ok := vm.AsCode(o); ok {
		ci, err := encodeCode(c)
		if err != nil {
			return Const{}, err
		}
		return Const{Kind: ConstCode, Code: ci}, nil
	}
	if o.Type() == vm.TupleType {
		k := Const{Kind: ConstTuple}
		for _, it := range vm.TupleItems(o) {
			item, err := encodeConst(it)
			if err != nil {
				return Const{}, err
			}
			k.Items = append(k.Items, item)
		}
		return k, nil
	}
	return Const{}, fmt.Errorf("cannot marshal constant of type %s", o.Type().Name)
}

func decodeCode(ci *CodeImage) (*vm.Code, error) {
	c := &vm.Code{
		Name:            ci.Name,
		QualName:        ci.QualName,
		Filename:        ci.Filename,
		FirstLineNo:     ci.FirstLineNo,
		ArgCount:        ci.ArgCount,
		PosOnlyArgCount: ci.PosOnlyArgCount,
		KwOnlyArgCount:  ci.KwOnlyArgCount,
		Flags:           vm.CodeFlags(ci.Flags),
		StackSize:       ci.StackSize,
		Bytecode:        ci.Bytecode,
		ExceptionTable:  ci.ExceptionTable,
		Lines:           ci.Lines,
	}
	if len(ci.LocalKinds) != len(ci.LocalNames) {
		return nil, fmt.Errorf("marshal: code %s: %d local kinds for %d names", ci.Name, len(ci.LocalKinds), len(ci.LocalNames))
	}
	for _, k := range ci.Consts {
		o, err := decodeConst(k)
		if err != nil {
			return nil, fmt.Errorf("marshal: code %s: %w", ci.Name, err)
		}
		c.Consts = append(c.Consts, o)
	}
	for _, n := range ci.Names {
		c.Names = append(c.Names, vm.Intern(n))
	}
	for i, n := range ci.LocalNames {
		c.LocalsPlusNames = append(c.LocalsPlusNames, vm.Intern(n))
		c.LocalsPlusKinds = append(c.LocalsPlusKinds, vm.LocalKind(ci.LocalKinds[i]))
	}
	code, err := vm.NewCode(c)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return code, nil
}

func decodeConst(k Const) (*vm.Object, error) {
	switch k.Kind {
	case ConstNone:
		return vm.None, nil
	case ConstBool:
		return vm.Bool(k.Int != 0), nil
	case ConstInt:
		return vm.ConstInt(k.Int), nil
	case ConstStr:
		return vm.Intern(k.Str), nil
	case ConstTuple:
		items := make([]*vm.Object, len(k.Items))
		for i, it := range k.Items {
			o, err := decodeConst(it)
			if err != nil {
				return nil, err
			}
			items[i] = o
		}
		return vm.ConstTuple(items...), nil
	case ConstCode:
		if k.Code == nil {
			return nil, fmt.Errorf("code constant without a body")
		}
		c, err := decodeCode(k.Code)
		if err != nil {
			return nil, err
		}
		return c.Object(), nil
	}
	return nil, fmt.Errorf("unknown constant kind %d", k.Kind)
}
