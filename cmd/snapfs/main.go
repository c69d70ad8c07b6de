// SnapFS CLI - talks to a running snapfs-daemon over its control socket.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/radryc/snapfs/internal/mountctl"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: snapfs [flags] <command> [args]

Commands:
  checkout <snapshot>          Move the working copy to a snapshot
  status                       Show local changes against the parent
  parent                       Show the checked-out parent snapshot
  journal                      Show recorded snapshot transitions
  graft <path> <object>        Place one snapshot object at a path
  reset-parent <snapshot>      Move the parent pointer without a checkout
  unmount                      Detach the kernel session
  accesses                     Show per-process operation counts

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	socketPath := flag.String("socket", "", "Control socket path")
	clientDir := flag.String("client", "", "Client state directory (derives the socket path)")
	mode := flag.String("mode", "normal", "Checkout mode: normal, dry_run or force")
	objectType := flag.String("type", "file", "Object type for graft: file, executable or tree")
	flag.Usage = usage
	flag.Parse()

	sock := *socketPath
	if sock == "" {
		dir := *clientDir
		if dir == "" {
			dir = os.Getenv("SNAPFS_CLIENT_DIR")
		}
		if dir == "" {
			fmt.Fprintln(os.Stderr, "Error: -socket or -client is required")
			os.Exit(1)
		}
		sock = filepath.Join(dir, "snapfs.sock")
	}

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	client := mountctl.NewClient(sock)
	if err := run(client, args, *mode, *objectType); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(client *mountctl.Client, args []string, mode, objectType string) error {
	switch args[0] {
	case "checkout":
		if len(args) < 2 {
			return fmt.Errorf("checkout requires a snapshot id")
		}
		resp, err := client.Do(mountctl.Request{Action: "checkout", Target: args[1], Mode: mode})
		if err != nil {
			return err
		}
		printConflicts(resp.Conflicts)
		fmt.Printf("parent: %s\n", resp.Parent)
		return nil
	case "status":
		resp, err := client.Do(mountctl.Request{Action: "status"})
		if err != nil {
			return err
		}
		for _, c := range resp.Changes {
			fmt.Printf("%-9s %s\n", c.Status, c.Path)
		}
		return nil
	case "parent":
		resp, err := client.Do(mountctl.Request{Action: "parent"})
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s)\n", resp.Parent, resp.State)
		return nil
	case "journal":
		resp, err := client.Do(mountctl.Request{Action: "journal"})
		if err != nil {
			return err
		}
		for _, e := range resp.Journal {
			fmt.Printf("%d  %s -> %s  (%d paths)  %s\n",
				e.Seq, short(e.FromParent), short(e.ToParent), len(e.UncleanPaths), e.Time)
		}
		return nil
	case "graft":
		if len(args) < 3 {
			return fmt.Errorf("graft requires a path and an object id")
		}
		resp, err := client.Do(mountctl.Request{
			Action: "set_path_object",
			Path:   args[1],
			Target: args[2],
			Mode:   mode,
			Type:   objectType,
		})
		if err != nil {
			return err
		}
		printConflicts(resp.Conflicts)
		return nil
	case "reset-parent":
		if len(args) < 2 {
			return fmt.Errorf("reset-parent requires a snapshot id")
		}
		resp, err := client.Do(mountctl.Request{Action: "reset_parent", Target: args[1]})
		if err != nil {
			return err
		}
		fmt.Printf("parent: %s\n", resp.Parent)
		return nil
	case "unmount":
		_, err := client.Do(mountctl.Request{Action: "unmount"})
		return err
	case "accesses":
		resp, err := client.Do(mountctl.Request{Action: "accesses"})
		if err != nil {
			return err
		}
		for pid, n := range resp.Accesses {
			fmt.Printf("pid %-8d %d ops\n", pid, n)
		}
		return nil
	}
	return fmt.Errorf("unknown command: %s", args[0])
}

func printConflicts(conflicts []mountctl.ConflictInfo) {
	for _, c := range conflicts {
		fmt.Printf("conflict: %-20s %s\n", c.Type, c.Path)
	}
}

func short(id string) string {
	if id == "" {
		return "(none)"
	}
	if len(id) > 10 {
		return id[:10]
	}
	return id
}
