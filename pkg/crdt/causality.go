package crdt

import (
	"fmt"

	"github.com/shinyes/yep_core/pkg/causal"
)

// CheckCausality 在合并前检查 remote 是否与 local 矛盾：
// 同一个 dot 在两边携带不同的内容，或 remote 存储中的 dot 未被它自己的上下文覆盖。
// 两者都说明某个 ActorID 被复用或状态已损坏。
func CheckCausality(local, remote State) error {
	if local.Type() != remote.Type() {
		return &TypeMismatchError{ExpectedType: local.Type(), GotType: remote.Type()}
	}

	seen := make(map[string]string)
	local.payloads("", func(store string, d causal.Dot, fp string) {
		seen[store+"\x00"+d.String()] = fp
	})

	var err error
	remoteCtx := remote.Context()
	remote.payloads("", func(store string, d causal.Dot, fp string) {
		if err != nil {
			return
		}
		if verr := causal.Validate(d); verr != nil {
			err = verr
			return
		}
		if !remoteCtx.Covers(d) {
			err = &causal.ViolationError{Dot: d, Reason: "payload not covered by its causal context"}
			return
		}
		if prev, ok := seen[store+"\x00"+d.String()]; ok && prev != fp {
			err = &causal.ViolationError{Dot: d, Reason: fmt.Sprintf("dot carries different payloads (%s)", store)}
		}
	})
	return err
}
