package runtime

import (
	"fmt"
	"time"

	"github.com/oresat/oresat-node-core/internal/timer"
)

// startTPDOTimers spawns one timer.Loop per eligible TPDO slot (transmission
// type in {0xFE, 0xFF} and a nonzero event timer), each driven by that
// slot's own event-timer value re-read every tick — the corrected intended
// behavior for the acknowledged _send_timer_tpdos defect (SPEC_FULL.md
// §C.8, spec.md §4.2 "Timed TPDOs").
func (rt *NodeRuntime) startTPDOTimers() {
	for n := 0; n < 16; n++ {
		_, eligible := rt.pdo.EventTimerMs(n)
		if !eligible {
			continue
		}
		slot := n
		period := func() time.Duration {
			ms, ok := rt.pdo.EventTimerMs(slot)
			if !ok || ms == 0 {
				return time.Second
			}
			return time.Duration(ms) * time.Millisecond
		}
		startDelay := time.Duration(rt.pdo.StartDelayMs(slot)) * time.Millisecond
		loop := timer.New(
			fmt.Sprintf("tpdo-%d", slot),
			period,
			startDelay,
			func() error { return rt.SendTPDO(slot+1, false) },
			func(err error) { rt.log.Warn("timed TPDO failed", "slot", slot, "error", err) },
		)
		loop.Start()
		rt.tpdoTimers = append(rt.tpdoTimers, tpdoTimer{slot: slot, stop: loop.Stop})
	}
}

func (rt *NodeRuntime) stopTPDOTimers() {
	for _, t := range rt.tpdoTimers {
		t.stop()
	}
	rt.tpdoTimers = nil
}
