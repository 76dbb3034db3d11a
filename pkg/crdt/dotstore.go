package crdt

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/shinyes/yep_core/pkg/causal"
)

// joinDots 按因果规则合并两个以 dot 为键的存储 (原地修改 mine)：
// 保留 mine 中的条目，除非对方已见过该 dot 却不再持有它 (已被移除或回收)；
// 接收对方的条目，除非本地已见过该 dot (本地已移除或回收)。
func joinDots[V any](mine, theirs map[causal.Dot]V, mineCtx, theirsCtx *causal.Context, cp func(V) V) {
	for d := range mine {
		if _, ok := theirs[d]; !ok && theirsCtx.Covers(d) {
			delete(mine, d)
		}
	}
	for d, v := range theirs {
		if _, ok := mine[d]; ok || mineCtx.Covers(d) {
			continue
		}
		mine[d] = cp(v)
	}
}

// restrictDots 返回 dot 在 keep 中的条目。
func restrictDots[V any](src map[causal.Dot]V, keep *causal.Context, cp func(V) V) map[causal.Dot]V {
	out := make(map[causal.Dot]V)
	for d, v := range src {
		if keep.Covers(d) {
			out[d] = cp(v)
		}
	}
	return out
}

func cloneDots[V any](src map[causal.Dot]V, cp func(V) V) map[causal.Dot]V {
	out := make(map[causal.Dot]V, len(src))
	for d, v := range src {
		out[d] = cp(v)
	}
	return out
}

func same[V any](v V) V { return v }

func sortedDots[V any](m map[causal.Dot]V) []causal.Dot {
	return slices.SortedFunc(maps.Keys(m), causal.Dot.Compare)
}

func dotsFingerprint(ds []causal.Dot) string {
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = d.String()
	}
	return strings.Join(parts, ",")
}

// collectTombstones 回收已稳定的删除记录及其覆盖的添加 dot (ORSet 与 ORMap 键集共用)。
func collectTombstones[V any](adds map[causal.Dot]V, removes map[causal.Dot][]causal.Dot, stable, gone *causal.Context) int {
	n := 0
	for r, covered := range removes {
		if !stable.Covers(r) || !allSeen(stable, covered) {
			continue
		}
		for _, c := range covered {
			if _, ok := adds[c]; ok {
				delete(adds, c)
				gone.Observe(c)
				n++
			}
		}
		delete(removes, r)
		gone.Observe(r)
		n++
	}
	return n
}

func allSeen(ctx *causal.Context, ds []causal.Dot) bool {
	for _, d := range ds {
		if !ctx.Covers(d) {
			return false
		}
	}
	return true
}

// coveredBy 返回所有被删除记录覆盖的添加 dot。
func coveredBy(removes map[causal.Dot][]causal.Dot) map[causal.Dot]struct{} {
	out := make(map[causal.Dot]struct{})
	for _, covered := range removes {
		for _, c := range covered {
			out[c] = struct{}{}
		}
	}
	return out
}

func removesFingerprints(prefix string, removes map[causal.Dot][]causal.Dot, fn func(string, causal.Dot, string)) {
	for r, covered := range removes {
		fn(prefix+"x", r, dotsFingerprint(covered))
	}
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }
