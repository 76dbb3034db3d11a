package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/shinyes/yep_core/pkg/crdt"
	"github.com/shinyes/yep_core/pkg/datatype"
	"github.com/shinyes/yep_core/pkg/store"
)

func printBanner(application *app, listen, dataRoot, backend string) {
	fmt.Println("yep_core manual demo")
	fmt.Printf("replica id:   %s\n", application.engine.Replica().ID)
	fmt.Printf("sync url:     ws://%s/sync\n", listen)
	fmt.Printf("metrics url:  http://%s/metrics\n", listen)
	fmt.Printf("data root:    %s (%s)\n", dataRoot, backend)
	if application.peer != "" {
		fmt.Printf("peer:         %s\n", application.peer)
	}
}

func printHelp() {
	fmt.Println("\nCommands:")
	fmt.Println("  help")
	fmt.Println("  new <id> <type>          types: " + strings.Join(typeNames(), ", "))
	fmt.Println("  inc <id> [n] | dec <id> [n]")
	fmt.Println("  setnum <id> <float>      number register")
	fmt.Println("  assign <id> <value>      lww register")
	fmt.Println("  add <id> <elem> | rm <id> <elem>")
	fmt.Println("  insert <id> <pos> <text> | del <id> <pos> [n]")
	fmt.Println("  mset <id> <key> <value> | mdel <id> <key>")
	fmt.Println("  show <id>")
	fmt.Println("  list")
	fmt.Println("  sync [url]")
	fmt.Println("  gc")
	fmt.Println("  backup <path>            badger store only")
	fmt.Println("  stats")
	fmt.Println("  quit")
	fmt.Println("\nQuick start with 2 terminals:")
	fmt.Println("  1) go run ./cmd/demo -listen 127.0.0.1:9001 -data ./tmp/a -reset")
	fmt.Println("  2) go run ./cmd/demo -listen 127.0.0.1:9002 -data ./tmp/b -connect ws://127.0.0.1:9001/sync -reset")
}

func handleCommand(ctx context.Context, application *app, line string) (bool, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, nil
	}

	e := application.engine
	rep := e.Replica()
	cmd := strings.ToLower(parts[0])

	switch cmd {
	case "help":
		printHelp()
		return false, nil

	case "new":
		if len(parts) != 3 {
			return false, fmt.Errorf("usage: new <id> <type>")
		}
		t, err := parseType(parts[2])
		if err != nil {
			return false, err
		}
		if err := e.Create(parts[1], t); err != nil {
			return false, err
		}
		fmt.Println("ok")
		return false, nil

	case "inc", "dec":
		id, n, err := parseCounterArgs(parts, cmd+" <id> [n]")
		if err != nil {
			return false, err
		}
		if cmd == "dec" {
			n = -n
		}
		err = e.Update(id, func(s crdt.State) error {
			if s.Type() == crdt.TypeGCounter {
				if n < 0 {
					return fmt.Errorf("grow-only counter cannot decrease")
				}
				_, err := s.ApplyLocal(rep, crdt.OpIncrement{By: uint64(n)})
				return err
			}
			num, err := datatype.NumberFrom(s)
			if err != nil {
				return err
			}
			_, err = num.Add(rep, n)
			return err
		})
		return false, printResult(err)

	case "setnum":
		if len(parts) != 3 {
			return false, fmt.Errorf("usage: setnum <id> <float>")
		}
		v, err := parseFloat(parts[2])
		if err != nil {
			return false, err
		}
		err = e.Update(parts[1], func(s crdt.State) error {
			num, err := datatype.NumberFrom(s)
			if err != nil {
				return err
			}
			_, err = num.Set(rep, v)
			return err
		})
		return false, printResult(err)

	case "assign":
		if len(parts) < 3 {
			return false, fmt.Errorf("usage: assign <id> <value>")
		}
		value := strings.Join(parts[2:], " ")
		_, err := e.Apply(parts[1], crdt.OpAssign{Value: []byte(value)})
		return false, printResult(err)

	case "add", "rm":
		if len(parts) < 3 {
			return false, fmt.Errorf("usage: %s <id> <elem>", cmd)
		}
		elem := strings.Join(parts[2:], " ")
		var op crdt.Op = crdt.OpAdd{Element: elem}
		if cmd == "rm" {
			op = crdt.OpRemove{Element: elem}
		}
		_, err := e.Apply(parts[1], op)
		return false, printResult(err)

	case "insert":
		if len(parts) < 4 {
			return false, fmt.Errorf("usage: insert <id> <pos> <text>")
		}
		pos, err := parseInt(parts[2])
		if err != nil {
			return false, err
		}
		text := strings.Join(parts[3:], " ")
		err = e.Update(parts[1], func(s crdt.State) error {
			t, err := datatype.TextFrom(s)
			if err != nil {
				return err
			}
			_, err = t.Insert(rep, pos, text)
			return err
		})
		return false, printResult(err)

	case "del":
		if len(parts) < 3 {
			return false, fmt.Errorf("usage: del <id> <pos> [n]")
		}
		pos, err := parseInt(parts[2])
		if err != nil {
			return false, err
		}
		n := 1
		if len(parts) > 3 {
			if n, err = parseInt(parts[3]); err != nil {
				return false, err
			}
		}
		err = e.Update(parts[1], func(s crdt.State) error {
			t, err := datatype.TextFrom(s)
			if err != nil {
				return err
			}
			_, err = t.Delete(rep, pos, n)
			return err
		})
		return false, printResult(err)

	case "mset":
		if len(parts) < 4 {
			return false, fmt.Errorf("usage: mset <id> <key> <value>")
		}
		_, err := e.Apply(parts[1], crdt.OpUpdate{
			Key:  parts[2],
			Type: crdt.TypeLWW,
			Op:   crdt.OpAssign{Value: []byte(strings.Join(parts[3:], " "))},
		})
		return false, printResult(err)

	case "mdel":
		if len(parts) != 3 {
			return false, fmt.Errorf("usage: mdel <id> <key>")
		}
		_, err := e.Apply(parts[1], crdt.OpDeleteKey{Key: parts[2]})
		return false, printResult(err)

	case "show":
		if len(parts) != 2 {
			return false, fmt.Errorf("usage: show <id>")
		}
		s, err := e.Snapshot(parts[1])
		if err != nil {
			return false, err
		}
		printObject(parts[1], s)
		return false, nil

	case "list":
		return false, listObjects(e)

	case "sync":
		url := application.peer
		if len(parts) > 1 {
			url = parts[1]
		}
		if url == "" {
			return false, fmt.Errorf("usage: sync <url> (or start with -connect)")
		}
		return false, application.syncWith(ctx, url)

	case "gc":
		n, err := application.gc.RunOnce(ctx)
		if err != nil {
			return false, err
		}
		fmt.Printf("collected %d entries\n", n)
		return false, nil

	case "backup":
		if len(parts) != 2 {
			return false, fmt.Errorf("usage: backup <path>")
		}
		b, ok := application.store.(*store.BadgerStore)
		if !ok {
			return false, fmt.Errorf("backup requires the badger store")
		}
		version, err := b.BackupToFile(parts[1], 0)
		if err != nil {
			return false, err
		}
		fmt.Printf("backup written: %s (version=%d)\n", parts[1], version)
		return false, nil

	case "stats":
		stats := application.gc.Stats()
		fmt.Printf("gc runs=%d ok=%d failed=%d collected=%d last=%v\n",
			stats.TotalRuns, stats.SuccessfulRuns, stats.FailedRuns, stats.TotalCollected, stats.LastRunDuration)
		return false, nil

	case "quit", "exit":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command: %s", cmd)
	}
}

func printResult(err error) error {
	if err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}
