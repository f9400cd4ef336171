// Command vmmctl is a demo wiring of the engine: it constructs a
// vmm.Context over either an in-memory fake device or a remote
// device/remote agent, seeds a handful of simulated processes, runs the
// maintenance scheduler, and serves /stats and /healthz. With
// -serve-remote it instead serves the fake device over gRPC and does
// none of the above.
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"memvmm/internal/device"
	"memvmm/internal/device/fake"
	"memvmm/internal/device/remote"
	"memvmm/internal/maintenance"
	"memvmm/internal/model"
	"memvmm/internal/model/x64sim"
	"memvmm/internal/semmap"
	"memvmm/internal/vmm"
)

var (
	flagHTTP        = flag.String("http", ":8090", "HTTP listen address for /stats and /healthz (empty to disable)")
	flagRemote      = flag.String("remote", "", "dial a device/remote agent at this address instead of using the in-memory fake device")
	flagServeRemote = flag.String("serve-remote", "", "serve the in-memory fake device over device/remote at this address instead of running the demo directly")
	flagConfig      = flag.String("config", "", "optional YAML config file (see vmm.Config)")
	flagProcesses   = flag.Int("processes", 4, "number of simulated processes to seed")
)

func main() {
	flag.Parse()

	if *flagServeRemote != "" {
		dev := fake.New(1 << 30)
		log.Printf("vmmctl: serving fake device over %s", *flagServeRemote)
		if err := remote.Serve(context.Background(), *flagServeRemote, dev); err != nil {
			log.Fatalf("remote.Serve: %v", err)
		}
		return
	}

	cfg := vmm.DefaultConfig()
	if *flagConfig != "" {
		loaded, err := vmm.LoadConfigFile(*flagConfig)
		if err != nil {
			log.Fatalf("LoadConfigFile: %v", err)
		}
		cfg = loaded
	}

	var dev device.Backend
	if *flagRemote != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cl, err := remote.Dial(ctx, *flagRemote)
		if err != nil {
			log.Fatalf("remote.Dial: %v", err)
		}
		dev = cl
		log.Printf("vmmctl: using remote device at %s", *flagRemote)
	} else {
		dev = fake.New(1 << 30)
		log.Printf("vmmctl: using in-memory fake device")
	}

	vctx, err := newContextWithTranslator(cfg, dev, log.Default())
	if err != nil {
		log.Fatalf("newContextWithTranslator: %v", err)
	}
	defer vctx.Close()

	seedProcesses(vctx, *flagProcesses)

	sched := maintenance.New(vctx, maintenance.ConfigFromInterval(cfg.MaintenanceInterval))
	if err := sched.Start(); err != nil {
		log.Fatalf("maintenance.Start: %v", err)
	}
	defer sched.Stop()

	if *flagHTTP == "" {
		select {}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, vctx.Stats())
	})
	log.Printf("vmmctl: HTTP listening on %s", *flagHTTP)
	if err := http.ListenAndServe(*flagHTTP, mux); err != nil {
		log.Printf("http serve error: %v", err)
		os.Exit(1)
	}
}

// newContextWithTranslator builds the vmm.Context with an x64sim.Translator
// wired to its own Pipeline. vmm.New requires a non-nil Translator up
// front to construct the Context, but x64sim.New requires the Context's
// own Pipeline — so a placeholder translator stands in just long enough
// for New to build the Pipeline, then is swapped for the real one.
func newContextWithTranslator(cfg vmm.Config, dev device.Backend, logger *log.Logger) (*vmm.Context, error) {
	vctx, err := vmm.New(cfg, dev, placeholderTranslator{}, logger)
	if err != nil {
		return nil, fmt.Errorf("vmm.New: %w", err)
	}
	vctx.Translator = x64sim.New(vctx.Pipeline, cfg.Is64Bit)
	return vctx, nil
}

// placeholderTranslator satisfies model.Translator just long enough for
// vmm.New to construct the Pipeline an x64sim.Translator needs.
type placeholderTranslator struct{}

func (placeholderTranslator) VirtToPhys(ctx context.Context, p model.Process, va uint64) (uint64, bool) {
	return 0, false
}
func (placeholderTranslator) VerifyPageTable(pageBytes []byte, pa uint64, is64Bit bool) bool {
	return false
}
func (placeholderTranslator) PagedRead(ctx context.Context, p model.Process, va uint64, outBuf []byte) model.PagedReadOutcome {
	return model.PagedReadOutcome{Kind: model.PagedReadFail}
}
func (placeholderTranslator) PteMapInitialize(ctx context.Context, p model.Process) bool { return false }
func (placeholderTranslator) Phys2VirtGetInformation(ctx context.Context, p model.Process, info any) {
}
func (placeholderTranslator) Close() error { return nil }

func seedProcesses(vctx *vmm.Context, n int) {
	ctx := context.Background()
	for i := 0; i < n; i++ {
		pid := uint32(100 + i)
		dtb := uint64(0x10000 + i*0x1000)

		buf := make([]byte, device.PageSize)
		binary.LittleEndian.PutUint64(buf[0:8], x64sim.EncodePTE(uint64(0x200000+i*0x1000), true))
		units := []*device.Unit{{PA: dtb, Buf: buf}}
		if err := vctx.Dev.WriteScatter(ctx, units); err != nil {
			log.Printf("vmmctl: seed pid %d write failed: %v", pid, err)
			continue
		}

		var name [16]byte
		copy(name[:], fmt.Sprintf("demo%d", i))
		if _, err := vctx.Processes.CreateEntry(ctx, true, pid, 0, 0, dtb, 0, name, true, nil, vctx.VerifyDTB); err != nil {
			log.Printf("vmmctl: seed pid %d create failed: %v", pid, err)
		}
	}
	vctx.Processes.CreateFinish()
	log.Printf("vmmctl: seeded %d processes", n)

	seedDemoUser(vctx)
}

// demoUserRawUTF16LE is a raw UTF-16LE UNICODE_STRING buffer ("demo-user"
// plus a trailing NUL pair), standing in for the bytes a real acquisition
// backend would hand back for a SID's friendly name.
var demoUserRawUTF16LE = []byte{
	'd', 0, 'e', 0, 'm', 0, 'o', 0, '-', 0, 'u', 0, 's', 0, 'e', 0, 'r', 0, 0, 0,
}

func seedDemoUser(vctx *vmm.Context) {
	name, err := semmap.DecodeUTF16LEName(demoUserRawUTF16LE)
	if err != nil {
		log.Printf("vmmctl: decode demo user name: %v", err)
		return
	}
	vctx.System.Users.Get(func() ([]semmap.User, error) {
		return []semmap.User{{SID: "S-1-5-21-0-0-0-1000", Name: name}}, nil
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
