package wazero

import (
	"sort"

	"github.com/tetratelabs/wazero/api"
)

// DefaultModuleName is the host module guests import from.
const DefaultModuleName = "cheriot"

// Host function names exported by the host module.
const (
	FuncAlloc      = "cheriot_alloc"
	FuncFree       = "cheriot_free"
	FuncPanic      = "cheriot_panic"
	FuncPrint      = "cheriot_print"
	FuncPrintStr   = "cheriot_print_str"
	FuncRandomByte = "cheriot_random_byte"
	FuncCheck      = "check_pointer"
)

// signature is the WebAssembly type of one host function.
type signature struct {
	params  []api.ValueType
	results []api.ValueType
}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

var hostSignatures = map[string]signature{
	FuncAlloc:      {params: []api.ValueType{i32}, results: []api.ValueType{i32}},
	FuncFree:       {params: []api.ValueType{i32}},
	FuncPanic:      {},
	FuncPrint:      {params: []api.ValueType{i64}},
	FuncPrintStr:   {params: []api.ValueType{i32}},
	FuncRandomByte: {results: []api.ValueType{i32}},
	FuncCheck:      {params: []api.ValueType{i32, i32, i32, i32}, results: []api.ValueType{i32}},
}

// HostFunctionNames lists every function the host module exports, sorted.
func HostFunctionNames() []string {
	names := make([]string, 0, len(hostSignatures))
	for name := range hostSignatures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnknownImports returns the functions a compiled guest imports from
// moduleName that the host module does not provide, sorted.
func UnknownImports(imports []api.FunctionDefinition, moduleName string) []string {
	var unknown []string
	for _, def := range imports {
		mod, name, ok := def.Import()
		if !ok || mod != moduleName {
			continue
		}
		if _, known := hostSignatures[name]; !known {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	return unknown
}
