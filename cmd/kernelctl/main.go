// Command kernelctl boots the simulated kernel core in-process and
// drives its subsystems end to end, the way the teacher's mkbsd/
// build tooling exercises the kernel image without real hardware.
// Each demo subcommand runs one of the scenarios SPEC_FULL.md's
// validation section describes; diag reports static package
// dependencies; serve exposes read-only introspection over HTTP.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/tools/go/packages"

	"kernelcore/internal/gui"
	"kernelcore/internal/heap"
	"kernelcore/internal/kconfig"
	"kernelcore/internal/klog"
	"kernelcore/internal/kmetrics"
	"kernelcore/internal/storage"
	"kernelcore/internal/tcpstack"
	"kernelcore/internal/vfs"
)

func main() {
	root := &cobra.Command{
		Use:          "kernelctl",
		Short:        "Drive the simulated kernel core's subsystems",
		SilenceUsage: true,
	}
	root.AddCommand(
		newDemoCmd(),
		newDiagCmd(),
		newServeCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newDemoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo <scenario>",
		Short: "Run one end-to-end scenario: heap, vfs, tcp, gui, storage, all",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "heap":
				return demoHeap()
			case "vfs":
				return demoVFS()
			case "tcp":
				return demoTCP()
			case "gui":
				return demoGUI()
			case "storage":
				return demoStorage()
			case "all":
				for _, fn := range []func() error{demoHeap, demoVFS, demoTCP, demoGUI, demoStorage} {
					if err := fn(); err != nil {
						return err
					}
				}
				return nil
			default:
				return fmt.Errorf("kernelctl: unknown scenario %q", args[0])
			}
		},
	}
	return cmd
}

// fakePages backs the heap demo with a plain in-process byte slice
// instead of going through vmm/archsim, since the CLI has no real
// frame allocator underneath it.
type fakePages struct {
	pageSize int
}

func (f fakePages) PageSize() int { return f.pageSize }
func (f fakePages) DemandPages(n int) ([]byte, error) {
	return make([]byte, n*f.pageSize), nil
}

func demoHeap() error {
	log := klog.New("heap")
	cfg := kconfig.Default()
	h := heap.New(fakePages{pageSize: cfg.PageSize}, cfg.HeapMaxBytes, log)

	ptr, err := h.Allocate(128, 0)
	if err != nil {
		return err
	}
	// 128 bytes round up to a 160-byte block, which has room for 131
	// bytes of payload, so this expand fits in place.
	if !h.ExpandAlloc(ptr, 131) {
		return fmt.Errorf("kernelctl: expand should succeed in place")
	}
	h.ShrinkAlloc(ptr, 64)
	h.Deallocate(ptr, 64)
	fmt.Printf("heap: arena_len=%d free_blocks=%d\n", h.ArenaLen(), len(h.FreeBlocks()))
	return nil
}

func demoVFS() error {
	cache := vfs.NewCache()
	driver, root := newMemDriver(1)
	resolver := vfs.NewResolver(cache, vfs.MountPoint{MountID: 1, Root: root, Driver: driver}, 8)

	rootAny, err := resolver.Open("/")
	if err != nil {
		return err
	}
	dir, err := rootAny.IntoDir()
	if err != nil {
		return err
	}
	fileAny, err := dir.CreateFile("greeting.txt")
	if err != nil {
		return err
	}
	file, err := fileAny.IntoFile(vfs.ExclRW)
	if err != nil {
		return err
	}
	if _, err := file.Write(0, []byte("hello kernel")); err != nil {
		return err
	}
	buf := make([]byte, 32)
	n, err := file.Read(0, buf)
	if err != nil {
		return err
	}
	fmt.Printf("vfs: read back %q\n", buf[:n])
	file.Drop()
	dir.Drop()
	return nil
}

func demoTCP() error {
	cfg := tcpstack.DefaultConfig()
	lb := newLoopbackTransport()
	ipA := tcpstack.IP{10, 0, 0, 1}
	ipB := tcpstack.IP{10, 0, 0, 2}
	a := tcpstack.NewStack(ipA, cfg, lb, 5*time.Millisecond)
	b := tcpstack.NewStack(ipB, cfg, lb, 5*time.Millisecond)
	lb.byIP[ipA] = a
	lb.byIP[ipB] = b

	listener := b.Listen(80)
	connA, err := a.Connect(ipB, 80)
	if err != nil {
		return err
	}

	quadB := listener.Accept()
	connB, ok := b.Lookup(quadB)
	if !ok {
		return fmt.Errorf("kernelctl: server connection not found after accept")
	}

	deadline := time.Now().Add(time.Second)
	for connA.State() != tcpstack.Established && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if _, err := connA.SendData([]byte("ping")); err != nil {
		return err
	}
	buf := make([]byte, 16)
	deadline = time.Now().Add(time.Second)
	var n int
	for time.Now().Before(deadline) {
		if n = connB.RecvData(buf); n > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	fmt.Printf("tcp: server received %q\n", buf[:n])
	connA.Close()
	connB.Close()
	return nil
}

func demoGUI() error {
	comp := gui.NewCompositor()
	g := comp.Group(0)
	a := &gui.Window{ID: 1, Pos: gui.Rect{X: 0, Y: 0, W: 100, H: 100}}
	b := &gui.Window{ID: 2, Pos: gui.Rect{X: 50, Y: 50, W: 100, H: 100}}
	g.Show(a)
	g.Show(b)
	fmt.Printf("gui: window %d visible rects after overlap: %v\n", a.ID, g.VisibleRects(a.ID))
	return nil
}

func demoStorage() error {
	log := klog.New("storage")
	reg := storage.NewRegistry(log)
	pv := newMemPV("disk0", 512, 64)
	reg.RegisterPV(pv)

	names := reg.LogicalVolumeNames()
	if len(names) == 0 {
		return fmt.Errorf("kernelctl: no logical volumes registered")
	}
	handle, err := reg.OpenNamed(names[0])
	if err != nil {
		return err
	}
	defer handle.Close()

	payload := make([]byte, 512*3)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := handle.WriteBlocks(0, payload); err != nil {
		return err
	}
	readBack := make([]byte, 512*3)
	if err := handle.ReadBlocks(0, readBack); err != nil {
		return err
	}
	fmt.Printf("storage: volume %q round-tripped %d bytes\n", names[0], len(readBack))
	return nil
}

func newDiagCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "diag",
		Short: "Report package import graph for the internal tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Dir: dir}
			pkgs, err := packages.Load(cfg, "./...")
			if err != nil {
				return err
			}
			for _, p := range pkgs {
				fmt.Printf("%s: %d imports\n", p.PkgPath, len(p.Imports))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "module root to scan")
	return cmd
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve read-only subsystem introspection over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := mux.NewRouter()
			snap := kmetrics.Snapshot{}

			r.HandleFunc("/threads", func(w http.ResponseWriter, req *http.Request) {
				fmt.Fprintf(w, "threads=%d\n", snap.LiveThreads)
			})
			r.HandleFunc("/volumes", func(w http.ResponseWriter, req *http.Request) {
				fmt.Fprintf(w, "%s\n", snap)
			})
			r.HandleFunc("/windows", func(w http.ResponseWriter, req *http.Request) {
				fmt.Fprintf(w, "gui_windows=%d\n", snap.GUIWindows)
			})
			fmt.Printf("kernelctl: serving introspection on %s\n", addr)
			return http.ListenAndServe(addr, r)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8090", "listen address")
	return cmd
}
