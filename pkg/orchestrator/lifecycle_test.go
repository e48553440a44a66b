// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package orchestrator_test

import (
	"context"
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/sagaflow/internal/core"
	"github.com/holomush/sagaflow/internal/plugin"
	"github.com/holomush/sagaflow/internal/runtime"
	"github.com/holomush/sagaflow/internal/saga"
	"github.com/holomush/sagaflow/pkg/orchestrator"
)

func phaseCount(snap orchestrator.Snapshot, phase core.Phase) int {
	n := 0
	for _, env := range snap.Events {
		if env.Phase == phase {
			n++
		}
	}
	return n
}

var _ = Describe("Orchestrator lifecycle", func() {
	var (
		ctx  context.Context
		orch *orchestrator.Orchestrator
	)

	BeforeEach(func() {
		ctx = context.Background()
		orch = orchestrator.New(orchestrator.Config{RuntimeID: "bdd", Namespace: "recovery"})
	})

	AfterEach(func() {
		Expect(orch.Close()).To(Succeed())
	})

	Describe("a successful run", func() {
		It("reports every phase in publish order", func() {
			Expect(orch.Run(ctx, validPayload)).To(BeTrue())

			snap := orch.Snapshot()
			Expect(snap.State).To(Equal(orchestrator.StateDone))
			Expect(snap.Progress).To(Equal(100))
			Expect(phaseCount(snap, core.PhaseRetire)).To(Equal(3))
			Expect(phaseCount(snap, core.PhaseExecute)).To(Equal(2))

			for i := 1; i < len(snap.Events); i++ {
				Expect(snap.Events[i].Timestamp).NotTo(BeTemporally("<", snap.Events[i-1].Timestamp))
			}
		})

		It("summarizes the run as JSON", func() {
			Expect(orch.Run(ctx, validPayload)).To(BeTrue())
			Expect(orch.Summary()).To(MatchJSON(`{
				"runtimeId": "bdd",
				"namespace": "recovery",
				"state": "done",
				"phase": "audit",
				"events": 11,
				"runId": "run-7"
			}`))
		})
	})

	Describe("a malformed payload", func() {
		DescribeTable("fails fast without emitting events",
			func(payload string) {
				Expect(orch.Run(ctx, payload)).To(BeFalse())
				Expect(orch.LastError()).To(HaveOccurred())
				snap := orch.Snapshot()
				Expect(snap.State).To(Equal(orchestrator.StateFailed))
				Expect(snap.Events).To(BeEmpty())
			},
			Entry("missing run id", `{"input": {"runId": "", "policy": {"id": "p", "maxRetries": 0, "timeoutMs": 0}, "steps": [{"id": "a", "action": "x"}]}}`),
			Entry("empty plan", `{"input": {"runId": "r", "policy": {"id": "p", "maxRetries": 0, "timeoutMs": 0}, "steps": []}}`),
			Entry("malformed policy", `{"input": {"runId": "r", "policy": {"id": "p", "maxRetries": "many", "timeoutMs": 0}, "steps": [{"id": "a", "action": "x"}]}}`),
		)
	})

	Describe("a failing plugin", func() {
		BeforeEach(func() {
			orch = orchestrator.New(orchestrator.Config{RuntimeID: "bdd"},
				orchestrator.WithRuntimeOptions(runtime.WithPlugins(func(in saga.Input) []plugin.Definition {
					defs := runtime.BuiltinPlugins(in)
					defs[2].Setup = func(context.Context, *plugin.Context, plugin.Options) (plugin.Output, error) {
						return plugin.Output{}, errors.New("replay store offline")
					}
					return defs
				})))
		})

		It("marks the run failed and retires only activated plugins", func() {
			Expect(orch.Run(ctx, validPayload)).To(BeFalse())

			snap := orch.Snapshot()
			Expect(snap.State).To(Equal(orchestrator.StateFailed))
			Expect(snap.Error).To(ContainSubstring("replay store offline"))
			Expect(phaseCount(snap, core.PhaseRetire)).To(Equal(2))
			Expect(phaseCount(snap, core.PhaseExecute)).To(BeZero())
		})
	})

	Describe("stop", func() {
		It("discards the snapshot and labels the state as stopped", func() {
			Expect(orch.Run(ctx, validPayload)).To(BeTrue())
			orch.Stop()

			Expect(orch.Snapshot().Events).To(BeEmpty())
			Expect(orch.Summary()).To(ContainSubstring(`"state":"idle-stopped"`))
			Expect(strings.Count(orch.Summary(), "runId")).To(BeZero())
		})
	})
})
