package wasmhost

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/adwski/stateroom/backend/metrics"
	"github.com/adwski/stateroom/backend/stateroom"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

type (
	Config struct {
		Logger  *zerolog.Logger
		Metrics *metrics.Metrics
		// Module is the guest binary.
		Module []byte
		// Random backs WASI random_get. Defaults to crypto/rand.
		Random io.Reader
	}

	// Factory compiles a guest module once and instantiates it for every room.
	// It is safe for concurrent use.
	Factory struct {
		logger   zerolog.Logger
		metrics  *metrics.Metrics
		runtime  wazero.Runtime
		compiled wazero.CompiledModule
		random   io.Reader
	}
)

// NewFactoryFromFile reads the guest binary at path and compiles it.
func NewFactoryFromFile(ctx context.Context, path string, cfg Config) (*Factory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrCompile, err)
	}
	cfg.Module = b
	return NewFactory(ctx, cfg)
}

// NewFactory compiles cfg.Module and registers the host functions guests may import.
func NewFactory(ctx context.Context, cfg Config) (*Factory, error) {
	f := &Factory{
		logger:  cfg.Logger.With().Str("component", "wasm-host").Logger(),
		metrics: cfg.Metrics,
		runtime: wazero.NewRuntime(ctx),
		random:  cfg.Random,
	}
	if f.metrics == nil {
		f.metrics = metrics.Discard()
	}
	if f.random == nil {
		f.random = rand.Reader
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, f.runtime); err != nil {
		_ = f.runtime.Close(ctx)
		return nil, errors.Join(ErrInstantiate, err)
	}
	_, err := f.runtime.NewHostModuleBuilder(importModule).
		NewFunctionBuilder().WithFunc(sendMessage).Export(importSendMessage).
		NewFunctionBuilder().WithFunc(sendBinary).Export(importSendBinary).
		NewFunctionBuilder().WithFunc(setTimer).Export(importSetTimer).
		Instantiate(ctx)
	if err != nil {
		_ = f.runtime.Close(ctx)
		return nil, errors.Join(ErrInstantiate, err)
	}

	f.compiled, err = f.runtime.CompileModule(ctx, cfg.Module)
	if err != nil {
		_ = f.runtime.Close(ctx)
		return nil, errors.Join(ErrCompile, err)
	}
	f.logger.Debug().
		Int("imports", len(f.compiled.ImportedFunctions())).
		Int("exports", len(f.compiled.ExportedFunctions())).
		Msg("module compiled")
	return f, nil
}

// Build instantiates the guest, validates its ABI version and calls its
// initialize export exactly once. The token is not visible to the guest.
func (f *Factory) Build(token string, ctx stateroom.Context) (stateroom.Service, error) {
	return f.instantiate(context.Background(), token, ctx)
}

// Close releases the compiled module and every instance still open.
func (f *Factory) Close(ctx context.Context) error {
	return f.runtime.Close(ctx)
}

func (f *Factory) instantiate(ctx context.Context, token string, sctx stateroom.Context) (*Host, error) {
	mod, err := f.runtime.InstantiateModule(ctx, f.compiled, wazero.NewModuleConfig().
		WithName("").
		WithRandSource(f.random).
		WithStartFunctions(startReactor))
	if err != nil {
		return nil, errors.Join(ErrInstantiate, err)
	}

	h, err := f.bind(ctx, token, mod)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}
	if err = h.call(sctx, exportInitialize); err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}
	h.logger.Debug().Msg("guest initialized")
	return h, nil
}

func (f *Factory) bind(ctx context.Context, token string, mod api.Module) (*Host, error) {
	h := &Host{
		logger:  f.logger.With().Str("room", token).Logger(),
		metrics: f.metrics,
		mod:     mod,
		fns:     make(map[string]api.Function, len(requiredExports)),
	}
	h.callCtx = context.WithValue(ctx, hostKey{}, h)

	h.memory = mod.ExportedMemory(exportMemory)
	if h.memory == nil {
		return nil, ErrCouldNotImportMemory
	}

	version, err := readVersionGlobal(mod, h.memory, globalAPIVersion)
	if err != nil {
		return nil, err
	}
	if version != APIVersion {
		return nil, errors.Join(ErrInvalidAPIVersion,
			fmt.Errorf("guest has version %d, host supports %d", version, APIVersion))
	}
	protocol, err := readVersionGlobal(mod, h.memory, globalAPIProtocol)
	if err != nil {
		return nil, err
	}
	if protocol != APIProtocol {
		return nil, errors.Join(ErrInvalidProtocolVersion,
			fmt.Errorf("guest has protocol %d, host supports %d", protocol, APIProtocol))
	}

	for _, name := range requiredExports {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			return nil, errors.Join(ErrMissingExport, fmt.Errorf("missing %q", name))
		}
		h.fns[name] = fn
	}
	return h, nil
}

// readVersionGlobal resolves a version global. Guests export these as statics,
// so the global holds the address of a little-endian i32 in linear memory.
func readVersionGlobal(mod api.Module, memory api.Memory, name string) (uint32, error) {
	g := mod.ExportedGlobal(name)
	if g == nil {
		return 0, errors.Join(ErrCouldNotImportGlobal, fmt.Errorf("missing %q", name))
	}
	addr := api.DecodeU32(g.Get())
	v, ok := memory.ReadUint32Le(addr)
	if !ok {
		return 0, errors.Join(ErrCouldNotImportGlobal, fmt.Errorf("%q points outside memory: %#x", name, addr))
	}
	return v, nil
}
