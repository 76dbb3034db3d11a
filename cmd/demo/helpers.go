package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/shinyes/yep_core/pkg/causal"
	"github.com/shinyes/yep_core/pkg/crdt"
	"github.com/shinyes/yep_core/pkg/datatype"
	"github.com/shinyes/yep_core/pkg/store"
	ysync "github.com/shinyes/yep_core/pkg/sync"
)

var typesByName = map[string]crdt.Type{
	"gcounter": crdt.TypeGCounter,
	"counter":  crdt.TypePNCounter,
	"register": crdt.TypeLWW,
	"gset":     crdt.TypeGSet,
	"set":      crdt.TypeORSet,
	"map":      crdt.TypeMap,
	"text":     crdt.TypeRGA,
}

func typeNames() []string {
	names := make([]string, 0, len(typesByName))
	for name := range typesByName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func parseType(raw string) (crdt.Type, error) {
	t, ok := typesByName[strings.ToLower(raw)]
	if !ok {
		return 0, fmt.Errorf("unknown type %q, want one of %s", raw, strings.Join(typeNames(), ", "))
	}
	return t, nil
}

func parseInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", raw)
	}
	return n, nil
}

func parseFloat(raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", raw)
	}
	return v, nil
}

func parseCounterArgs(parts []string, usage string) (string, int64, error) {
	if len(parts) < 2 || len(parts) > 3 {
		return "", 0, fmt.Errorf("usage: %s", usage)
	}
	n := int64(1)
	if len(parts) == 3 {
		v, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || v <= 0 {
			return "", 0, fmt.Errorf("n must be a positive integer")
		}
		n = v
	}
	return parts[1], n, nil
}

// openStore 打开选定的存储后端，返回的函数负责关闭它。
func openStore(backend, dataRoot string, vlogFileSize int64) (store.Storage, func(), error) {
	switch backend {
	case "badger":
		ms := store.NewMultiStore(dataRoot, store.WithBadgerValueLogFileSize(vlogFileSize))
		st, err := ms.Get("objects")
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = ms.CloseAll() }, nil
	case "bolt":
		st, err := store.NewBoltStore(filepath.Join(dataRoot, "objects.db"))
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case "memory":
		st := store.NewMemoryStore()
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// loadOrCreateActorID 返回显式指定的 ID，否则读取数据目录中保存的 ID，首次启动时生成一个新的。
// 同一份数据必须始终使用同一个 ID，换用新 ID 会丢失对已铸造 dot 的记账。
func loadOrCreateActorID(dataRoot, explicit string) (causal.ActorID, error) {
	path := filepath.Join(dataRoot, "replica_id")
	if explicit != "" {
		return causal.ActorID(explicit), os.WriteFile(path, []byte(explicit), 0o644)
	}
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return causal.ActorID(id), nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	id, err := causal.NewActorID()
	if err != nil {
		return "", err
	}
	return id, os.WriteFile(path, []byte(id), 0o644)
}

func listObjects(e *ysync.Engine) error {
	ids, err := e.Objects()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("(empty)")
		return nil
	}
	for _, id := range ids {
		s, err := e.Snapshot(id)
		if err != nil {
			fmt.Printf("%s: %v\n", id, err)
			continue
		}
		printObject(id, s)
	}
	return nil
}

func printObject(id string, s crdt.State) {
	fmt.Printf("%s [%s] %s  ctx=%s\n", id, s.Type(), formatValue(s), s.Context())
}

func formatValue(s crdt.State) string {
	switch s.Type() {
	case crdt.TypeRGA:
		if t, err := datatype.TextFrom(s); err == nil {
			return strconv.Quote(t.String())
		}
	case crdt.TypeLWW:
		r := s.(*crdt.LWWRegister)
		// setnum 写入的是 msgpack float64 (0xcb 前缀)
		if b := r.Bytes(); len(b) == 9 && b[0] == 0xcb {
			if n, err := datatype.NumberFrom(s); err == nil {
				return strconv.FormatFloat(n.Value(), 'g', -1, 64)
			}
		}
		return strconv.Quote(string(r.Bytes()))
	}
	return fmt.Sprint(s.Value())
}
