package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/arl/crowdsim/crowd"
	"github.com/arl/crowdsim/detour"
	"github.com/arl/gogeo/f32/d3"
	"github.com/benbjohnson/clock"
	"github.com/gdamore/tcell/v2"
	"github.com/spf13/cobra"
)

var runFlags struct {
	headless bool
}

var runCmd = &cobra.Command{
	Use:   "run SCENARIO",
	Short: "drive a crowd simulation tick by tick, optionally rendering it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scn, err := LoadScenario(args[0])
		if err != nil {
			return err
		}

		f, err := os.Open(scn.Navmesh)
		if err != nil {
			return fmt.Errorf("opening navmesh: %w", err)
		}
		nav, err := detour.Decode(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("decoding navmesh: %w", err)
		}

		sim, err := newSimulation(scn, nav)
		if err != nil {
			return err
		}

		if runFlags.headless {
			return sim.runHeadless()
		}
		return sim.runInteractive()
	},
}

func init() {
	runCmd.Flags().BoolVar(&runFlags.headless, "headless", false,
		"run without a terminal display, printing a summary on exit")
	RootCmd.AddCommand(runCmd)
}

// simulation wires a scenario's agents onto a crowd.Crowd and drives it
// tick by tick, either headless or through a tcell display.
type simulation struct {
	scn   *Scenario
	crowd *crowd.Crowd
	clock clock.Clock

	// agents holds one id per scn.Agents entry, in the same order, as
	// returned by crowd.Crowd.AddAgent.
	agents []crowd.AgentID

	bmin, bmax d3.Vec3
}

func newSimulation(scn *Scenario, nav *detour.NavMesh) (*simulation, error) {
	c := &crowd.Crowd{
		MaxRequestsPerUpdate:   scn.MaxRequestsPerUpdate,
		QuickSearchIterations:  scn.QuickSearchIterations,
		MaxIterationsPerUpdate: scn.MaxIterationsPerUpdate,
	}
	if !c.Init(scn.MaxAgents, scn.MaxAgentRadius, nav) {
		return nil, fmt.Errorf("crowd: initialization failed")
	}

	sim := &simulation{
		scn:    scn,
		crowd:  c,
		clock:  clock.New(),
		agents: make([]crowd.AgentID, 0, len(scn.Agents)),
		bmin:   d3.NewVec3(),
		bmax:   d3.NewVec3(),
	}

	for i, a := range scn.Agents {
		params := crowd.NewCrowdAgentParams(a.Radius, a.Height, a.MaxAcceleration, a.MaxSpeed)

		start := d3.NewVec3From(a.Start[:])
		id := c.AddAgent(start, params)
		if id == crowd.InvalidAgentID {
			return nil, fmt.Errorf("agent %d: crowd is full", i)
		}
		sim.agents = append(sim.agents, id)

		target := d3.NewVec3From(a.Target[:])
		filter := c.Filter(0)
		status, ref, nearest := c.NavMeshQuery().FindNearestPoly(target, c.QueryExtents(), filter)
		if detour.StatusFailed(status) || ref == 0 {
			crowd.Logger.Printf("agent %d: no navmesh polygon found near target %v, staying put", i, a.Target)
			continue
		}
		if !c.RequestMoveTarget(id, ref, nearest) {
			crowd.Logger.Printf("agent %d: move request to %v rejected", i, a.Target)
		}

		sim.extendBounds(start)
		sim.extendBounds(target)
	}

	return sim, nil
}

func (s *simulation) extendBounds(p d3.Vec3) {
	for i := 0; i < 3; i++ {
		if p[i] < s.bmin[i] {
			s.bmin[i] = p[i]
		}
		if p[i] > s.bmax[i] {
			s.bmax[i] = p[i]
		}
	}
}

// tick advances the simulation by one fixed step and reports whether every
// active agent is at its move target. An agent that never got a move
// request (no navmesh polygon near its target) counts as not arrived.
func (s *simulation) tick() (allArrived bool) {
	s.crowd.Update(s.scn.TickSeconds, nil)

	allArrived = true
	for i, id := range s.agents {
		ag := s.crowd.Agent(id)
		if ag == nil || !ag.Active() {
			continue
		}
		if !s.crowd.IsAgentAtTarget(id, s.scn.Agents[i].Radius) {
			allArrived = false
		}
	}
	return allArrived
}

func (s *simulation) runHeadless() error {
	ticks := s.scn.Ticks
	if ticks <= 0 {
		ticks = 1000
	}

	for i := 0; i < ticks; i++ {
		if s.tick() {
			fmt.Printf("all agents reached their targets after %d ticks\n", i+1)
			return nil
		}
	}
	fmt.Printf("reached tick budget (%d) without every agent arriving\n", ticks)
	return nil
}

func (s *simulation) runInteractive() error {
	screen, err := tcell.NewScreen()
	if err != nil {
		return fmt.Errorf("creating screen: %w", err)
	}
	if err := screen.Init(); err != nil {
		return fmt.Errorf("initializing screen: %w", err)
	}
	defer screen.Fini()
	screen.SetStyle(tcell.StyleDefault)
	screen.Clear()

	eventCh := make(chan tcell.Event, 16)
	go func() {
		for {
			eventCh <- screen.PollEvent()
		}
	}()

	period := time.Duration(s.scn.TickSeconds * float32(time.Second))
	if period <= 0 {
		period = 50 * time.Millisecond
	}
	ticker := s.clock.Ticker(period)
	defer ticker.Stop()

	tickCount := 0
	for {
		select {
		case ev := <-eventCh:
			switch ev := ev.(type) {
			case *tcell.EventKey:
				if ev.Key() == tcell.KeyEscape || ev.Key() == tcell.KeyCtrlC ||
					(ev.Key() == tcell.KeyRune && ev.Rune() == 'q') {
					return nil
				}
			case *tcell.EventResize:
				screen.Sync()
			}

		case <-ticker.C:
			tickCount++
			done := s.tick()
			s.draw(screen, tickCount)
			if done {
				s.draw(screen, tickCount)
				time.Sleep(500 * time.Millisecond)
				return nil
			}
			if s.scn.Ticks > 0 && tickCount >= s.scn.Ticks {
				return nil
			}
		}
	}
}

func (s *simulation) draw(screen tcell.Screen, tickCount int) {
	screen.Clear()
	w, h := screen.Size()

	dx := s.bmax[0] - s.bmin[0]
	dz := s.bmax[2] - s.bmin[2]
	if dx <= 0 {
		dx = 1
	}
	if dz <= 0 {
		dz = 1
	}

	for i, id := range s.agents {
		ag := s.crowd.Agent(id)
		if ag == nil || !ag.Active() {
			continue
		}
		pos := ag.Position()
		x := int((pos[0] - s.bmin[0]) / dx * float32(w-1))
		y := int((pos[2] - s.bmin[2]) / dz * float32(h-2))
		if x < 0 || x >= w || y < 0 || y >= h-1 {
			continue
		}

		style := tcell.StyleDefault.Foreground(tcell.ColorGreen)
		if s.crowd.IsAgentAtTarget(id, ag.Radius()) {
			style = tcell.StyleDefault.Foreground(tcell.ColorBlue)
		} else if !ag.Partial() {
			style = tcell.StyleDefault.Foreground(tcell.ColorYellow)
		}
		screen.SetContent(x, y, rune('0'+i%10), nil, style)
	}

	status := fmt.Sprintf("tick %d — %d agent(s) — q to quit", tickCount, len(s.agents))
	for i, r := range status {
		if i >= w {
			break
		}
		screen.SetContent(i, h-1, r, nil, tcell.StyleDefault)
	}

	screen.Show()
}
