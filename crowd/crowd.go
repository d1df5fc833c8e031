// This section contains detailed documentation for members that don't have a
// source file. It reduces clutter in the main section of the header.
//
// Members in this module implement local steering and dynamic avoidance
// features.
//
// The crowd is the big beast of the navigation features. It not only handles a
// lot of the path management for you, but also local steering and dynamic
// avoidance between members of the crowd. I.e. It can keep your agents from
// running into each other.
//
// Main class: Crowd
//
// The NavMeshQuery and PathCorridor classes provide perfectly good, easy to use
// path planning features. But in the end they only give you points that your
// navigation client should be moving toward. When it comes to deciding things
// like agent velocity and steering to avoid other agents, that is up to you to
// implement. Unless, of course, you decide to use Crowd.
//
// Basically, you add an agent to the crowd, providing various configuration
// settings such as maximum speed and acceleration. You also provide a local
// target to more toward. The crowd manager then provides, with every update,
// the new agent position and velocity for the frame. The movement will be
// constrained to the navigation mesh, and steering will be applied to ensure
// agents managed by the crowd do not collide with each other.
//
// This is very powerful feature set. But it comes with limitations.
//
// The biggest limitation is that you must give control of the agent's position
// completely over to the crowd manager. You can update things like maximum
// speed and acceleration. But in order for the crowd manager to do its thing,
// it can't allow you to constantly be giving it overrides to position and
// velocity. So you give up direct control of the agent's movement. It belongs
// to the crowd.
//
// The second biggest limitation revolves around the fact that the crowd manager
// deals with local planning. So the agent's target should never be more than
// 256 polygons aways from its current position. If it is, you risk your agent
// failing to reach its target. So you may still need to do long distance
// planning and provide the crowd manager with intermediate targets.
//
// Other significant limitations:
//
// - Each agent uses one of a fixed set of CrowdAgentMaxQueryFilterType query
//  filters shared by the crowd, selected by its queryFilterType.
// - Crowd management is relatively expensive. The maximum agents under crowd
//  management at any one time is between 20 and 30. A good place to start is a
//  maximum of 25 agents for 0.5ms per frame.
package crowd

import (
	"log"
	"os"
	"sort"
	"unsafe"

	"github.com/arl/crowdsim/detour"
	"github.com/arl/gogeo/f32"
	"github.com/arl/gogeo/f32/d3"
	"github.com/arl/math32"
)

// Logger receives non-fatal diagnostics emitted while driving a Crowd, such
// as an agent falling back to a partial path or failing to find a nearby
// polygon for a requested target. It defaults to stderr; callers embedding
// the crowd package in a larger program can redirect or silence it.
var Logger = log.New(os.Stderr, "crowd: ", 0)

const (
	// The maximum number of neighbors that a crowd agent can take into account for
	// steering decisions.
	CrowdAgentMaxNeighbours = 6

	// The maximum number of corners a crowd agent will look ahead in the path.
	// This value is used for sizing the crowd agent corner buffers.  Due to the
	// behavior of the crowd manager, the actual number of useful corners will be
	// one less than this number.
	CrowdAgentMaxCorners = 4

	// The maximum number of crowd avoidance configurations supported by the crowd
	// manager.
	// see ObstacleAvoidanceParams, Crowd.setObstacleAvoidanceParams(),
	// Crowd.ObstacleAvoidanceParams(), CrowdAgentParams.obstacleAvoidanceType
	CrowdAgentMaxObstavoidanceParams = 8

	// The maximum number of query filter types supported by the crowd manager.
	// see detour.QueryFilter, Crowd.Filter() Crowd.EditableFilter(),
	// CrowdAgentParams.queryFilterType
	CrowdAgentMaxQueryFilterType = 16
)

// Provides neighbor data for agents managed by the crowd.
// see CrowdAgent.neis, Crowd
type CrowdNeighbour struct {
	idx  int     // The index of the neighbor in the crowd.
	dist float32 // The distance between the current agent and the neighbor.
}

// The type of navigation mesh polygon the agent is currently traversing.
type CrowdAgentState int

// TODO: probably should be uint8
const (
	CrowdAgentStateInvalid CrowdAgentState = iota // The agent is not in a valid state.
	CrowdAgentStateWalking                        // The agent is traversing a normal navigation mesh polygon.
	CrowdAgentStatOffMesh                         // The agent is traversing an off-mesh connection.
)

// Configuration parameters for a crowd agent.
// see CrowdAgent, Crowd.addAgent(), Crowd.updateAgentParameters()
type CrowdAgentParams struct {
	radius          float32 // Agent radius. [Limit: >= 0]
	height          float32 // Agent height. [Limit: > 0]
	maxAcceleration float32 // Maximum allowed acceleration. [Limit: >= 0]
	maxSpeed        float32 // Maximum allowed speed. [Limit: >= 0]

	// Defines how close a collision element must be before it is considered for
	// steering behaviors. [Limits: > 0]
	// Collision elements include other agents and navigation mesh boundaries.
	// This value is often based on the agent radius and/or maximum speed.
	// E.g. radius * 8
	collisionQueryRange float32

	// The path visibility optimization range. [Limit: > 0]
	// Only applicable if updateFlags includes the crowdOptimizeVis flag.
	// This value is often based on the agent radius. E.g. radius * 30
	// see PathCorridor.optimizePathVisibility()
	pathOptimizationRange float32

	// How aggresive the agent manager should be at avoiding collisions with
	// this agent. [Limit: >= 0].
	// A higher value will result in agents trying to stay farther away from
	// each other at the cost of more difficult steering in tight spaces.
	separationWeight float32

	// Flags that impact steering behavior. (See: UpdateFlags)
	updateFlags uint8

	// The index of the avoidance configuration to use for the agent.
	//
	// [Limits: 0 <= value <= CrowdMaxObstavoidanceParams]
	// Crowd permits agents to use different avoidance configurations.  This
	// value is the index of the ObstacleAvoidanceParams within the crowd.
	//
	// see ObstacleAvoidanceParams, Crowd.setObstacleAvoidanceParams(),
	// Crowd.ObstacleAvoidanceParams()
	obstacleAvoidanceType uint8

	// The index of the query filter used by this agent.
	queryFilterType uint8

	// User defined data attached to the agent.
	userData []byte
}

// NewCrowdAgentParams builds agent parameters for the given physical
// envelope, filling in the remaining fields with the values dtCrowd
// callers conventionally derive from radius (collisionQueryRange =
// radius*8, pathOptimizationRange = radius*30), every update behavior
// enabled, and the default (index 0) obstacle-avoidance and query
// filter configurations. Callers that need different behavior flags,
// separation weight, or avoidance/filter indices can adjust the
// returned value's exported-equivalent setters below before passing it
// to Crowd.AddAgent.
func NewCrowdAgentParams(radius, height, maxAcceleration, maxSpeed float32) *CrowdAgentParams {
	return &CrowdAgentParams{
		radius:                radius,
		height:                height,
		maxAcceleration:       maxAcceleration,
		maxSpeed:              maxSpeed,
		collisionQueryRange:   radius * 8,
		pathOptimizationRange: radius * 30,
		separationWeight:      2.0,
		updateFlags: uint8(CrowdAnticipateTurns) | uint8(CrowdObstacleAvoidance) |
			uint8(CrowdSeparation) | uint8(CrowOptimizeVis) | uint8(CrowOptimizeTopo),
		obstacleAvoidanceType: 0,
		queryFilterType:       0,
	}
}

// SetSeparationWeight overrides the default separation weight.
func (p *CrowdAgentParams) SetSeparationWeight(w float32) { p.separationWeight = w }

// SetUpdateFlags overrides the default behavior flag set.
func (p *CrowdAgentParams) SetUpdateFlags(flags UpdateFlags) { p.updateFlags = uint8(flags) }

// SetObstacleAvoidanceType selects which of the Crowd's shared
// ObstacleAvoidanceParams slots (see Crowd.SetObstacleAvoidanceParams)
// this agent uses.
func (p *CrowdAgentParams) SetObstacleAvoidanceType(idx uint8) { p.obstacleAvoidanceType = idx }

// SetQueryFilterType selects which of the Crowd's shared query filters
// (see Crowd.EditableFilter) this agent uses.
func (p *CrowdAgentParams) SetQueryFilterType(idx uint8) { p.queryFilterType = idx }

const (
	crowdAgentTargetNone uint8 = iota
	crowdAgentTargetFailed
	crowdAgentTargetValid
	crowdAgentTargetRequesting
	crowdAgentTargetWaitingForQueue
	crowdAgentTargetWaitingForPath
	crowdAgentTargetVelocity
)

// Represents an agent managed by a Crowd object.
type CrowdAgent struct {
	// True if the agent is active, false if the agent is in an unused slot in
	// the agent pool.
	active bool

	// The type of mesh polygon the agent is traversing. (See: CrowdAgentState)
	state uint8

	// True if the agent has valid path
	// (targetState == crowdAgentTargetValid) and the path does not lead to
	// the requested position, else false.
	partial bool

	// The path corridor the agent is using.
	corridor PathCorridor

	// The local boundary data for the agent.
	boundary LocalBoundary

	// Time since the agent's path corridor was optimized.
	topologyOptTime float32

	// The known neighbors of the agent.
	neis [CrowdAgentMaxNeighbours]CrowdNeighbour

	// The number of neighbors.
	nneis int

	// The desired speed.
	desiredSpeed float32

	// The current agent position. [(x, y, z)]
	npos d3.Vec3
	// A temporary value used to accumulate agent displacement during iterative
	// collision resolution. [(x, y, z)]
	disp d3.Vec3
	// The desired velocity of the agent. Based on the current path, calculated
	// from scratch each frame. [(x, y, z)]
	dvel d3.Vec3
	// The desired velocity adjusted by obstacle avoidance, calculated from
	// scratch each frame. [(x, y, z)]
	nvel d3.Vec3
	// The actual velocity of the agent. The change from nvel -> vel is
	// constrained by max acceleration. [(x, y, z)]
	vel d3.Vec3

	// The agent's configuration parameters.
	params CrowdAgentParams

	// The local path corridor corners for the agent. (Staight path.)
	// [(x, y, z) * #ncorners]
	cornerVerts [CrowdAgentMaxCorners * 3]float32

	// The local path corridor corner flags. (See: detour.StraightPathFlags)
	// [(flags) * #ncorners]
	cornerFlags [CrowdAgentMaxCorners]uint8

	// The reference id of the polygon being entered at the corner.
	// [(polyRef) * ncorners]
	cornerPolys [CrowdAgentMaxCorners]detour.PolyRef

	// The number of corners.
	ncorners int

	targetState      uint8          // State of the movement request.
	targetRef        detour.PolyRef // Target polyref of the movement request.
	targetPos        d3.Vec3        // Target position of the movement request (or velocity in case of crowdAgentTargetVelocity).
	targetPathqRef   PathQueueRef   // Path finder ref.
	targetReplan     bool           // Flag indicating that the current path is being replanned.
	targetReplanTime float32        // Time since the agent's target was replanned.
}

func NewCrowdAgent() *CrowdAgent {
	return &CrowdAgent{
		npos:      d3.NewVec3(),
		disp:      d3.NewVec3(),
		dvel:      d3.NewVec3(),
		nvel:      d3.NewVec3(),
		vel:       d3.NewVec3(),
		targetPos: d3.NewVec3(),
	}
}

// Active reports whether the agent's slot is currently in use.
func (ag *CrowdAgent) Active() bool { return ag.active }

// State reports the agent's current traversal state.
func (ag *CrowdAgent) State() CrowdAgentState { return CrowdAgentState(ag.state) }

// Position returns the agent's current world-space position.
func (ag *CrowdAgent) Position() d3.Vec3 { return ag.npos }

// Velocity returns the agent's actual (post-acceleration-clamp) velocity.
func (ag *CrowdAgent) Velocity() d3.Vec3 { return ag.vel }

// DesiredVelocity returns the obstacle-avoidance-adjusted velocity the
// agent is steering towards this tick.
func (ag *CrowdAgent) DesiredVelocity() d3.Vec3 { return ag.nvel }

// Radius returns the agent's collision radius.
func (ag *CrowdAgent) Radius() float32 { return ag.params.radius }

// Partial reports whether the agent's current path is a partial path:
// valid but not reaching the originally requested target.
func (ag *CrowdAgent) Partial() bool { return ag.partial }

type CrowdAgentAnimation struct {
	active                    bool
	initPos, startPos, endPos d3.Vec3
	polyRef                   detour.PolyRef
	t, tmax                   float32
}

// Crowd agent update flags.
// see CrowdAgentParams.updateFlags
type UpdateFlags int

const (
	CrowdAnticipateTurns   UpdateFlags = 1
	CrowdObstacleAvoidance             = 2
	CrowdSeparation                    = 4
	CrowOptimizeVis                    = 8  // Use PathCorridor.optimizePathVisibility() to optimize the agent path.
	CrowOptimizeTopo                   = 16 // Use PathCorridor.optimizePathTopology() to optimize the agent path.
)

type CrowdAgentDebugInfo struct {
	idx      int
	optStart [3]float32
	optEnd   [3]float32
	vod      *ObstacleAvoidanceDebugData
}

//  Crowd provides local steering behaviors for a group of agents.
//
// This is the core class of the crowd module. See the crowd documentation for a
// summary of the crowd features.
//
// A common method for setting up the crowd is as follows:
//
// - Allocate the crowd
// - Initialize the crowd using init().
// - Set the avoidance configurations using setObstacleAvoidanceParams().
// - Add agents using addAgent() and make an initial movement request using
// requestMoveTarget().
//
// A common process for managing the crowd is as follows:
//
// - Call update() to allow the crowd to manage its agents.
// - Retrieve agent information using getActiveAgents().
// - Make movement requests using requestMoveTarget() when movement goal changes.
// - Repeat every frame.
//
// Some agent configuration settings can be updated using
// updateAgentParameters(). But the crowd owns the agent position. So it is not
// possible to update an active agent's position. If agent position must be fed
// back into the crowd, the agent must be removed and re-added.
//
// Notes:
//
// - Path related information is available for newly added agents only after an
// update() has been performed.
// - Agent objects are kept in a pool and re-used. So it is important when using
// agent objects to check the value of CrowdAgent.active to determine if the
// agent is actually in use or not.
// - This class is meant to provide 'local' movement. There is a limit of 256
// polygons in the path corridor. So it is not meant to provide automatic
// pathfinding services over long distances.
//
// see init(), CrowdAgent
type Crowd struct {
	maxAgents    int
	agents       []CrowdAgent
	activeAgents []*CrowdAgent
	agentAnims   []CrowdAgentAnimation

	// generation tracks, per agent slot, how many times that slot has been
	// freed. AgentID embeds the generation it was issued under, so a handle
	// to a removed agent can't resolve to whichever agent later reuses its
	// slot.
	generation []uint32

	pathQ PathQueue

	obstacleQueryParams [CrowdAgentMaxObstavoidanceParams]ObstacleAvoidanceParams
	obstacleQuery       *ObstacleAvoidanceQuery

	grid *ProximityGrid

	pathResult    []detour.PolyRef
	maxPathResult int

	ext d3.Vec3

	filters [CrowdAgentMaxQueryFilterType]detour.QueryFilter

	maxAgentRadius float32

	velocitySampleCount int

	navquery *detour.NavMeshQuery

	// MaxRequestsPerUpdate bounds how many newly-requesting agents can be
	// admitted into the shared PathQueue in a single Update call. Init
	// also uses it to size the PathQueue itself; changing it after Init
	// changes the per-tick admission limit but not the queue's size.
	MaxRequestsPerUpdate int
	// QuickSearchIterations bounds the short sliced search every
	// requesting agent runs towards its goal before being queued, used to
	// detect an unreachable/partial target early.
	QuickSearchIterations int32
	// MaxIterationsPerUpdate bounds the total pathfinder work the shared
	// PathQueue may perform in a single Update call, spread fairly across
	// all agents currently awaiting a full replan.
	MaxIterationsPerUpdate int32
	// MaxIterationsPerAgent caps how many sliced-search iterations any one
	// agent's request can consume out of a single Update call's
	// MaxIterationsPerUpdate budget. Agents are serviced in descending
	// order of targetReplanTime (the longest-waiting requests first), so
	// this cap is what keeps one slow search from starving the rest of
	// the queue within the tick.
	MaxIterationsPerAgent int32
}

func (c *Crowd) updateTopologyOptimization(agents []*CrowdAgent, nagents int, dt float32) {
	if nagents == 0 {
		return
	}

	const (
		optTimeThr   = 0.5 // seconds
		optMaxAgents = 1
	)

	var (
		queue  [optMaxAgents]*CrowdAgent
		nqueue int = 0
	)

	for i := 0; i < nagents; i++ {
		ag := agents[i]
		if ag.state != uint8(CrowdAgentStateWalking) {
			continue
		}
		if ag.targetState == crowdAgentTargetNone || ag.targetState == crowdAgentTargetVelocity {
			continue
		}
		if ag.params.updateFlags&uint8(CrowOptimizeTopo) == 0 {
			continue
		}
		ag.topologyOptTime += dt
		if ag.topologyOptTime >= optTimeThr {
			nqueue = addToOptQueue(ag, queue[:], nqueue, optMaxAgents)
		}
	}

	for i := 0; i < nqueue; i++ {
		ag := queue[i]
		ag.corridor.OptimizePathTopology(c.navquery, c.filters[ag.params.queryFilterType])
		ag.topologyOptTime = 0
	}
}

func (c *Crowd) updateMoveRequest(dt float32) {
	pathMaxAgents := c.MaxRequestsPerUpdate
	var (
		queue  = make([]*CrowdAgent, pathMaxAgents)
		nqueue int = 0
	)

	// Fire off new requests.
	for i := 0; i < c.maxAgents; i++ {
		ag := &c.agents[i]
		if !ag.active {
			continue
		}
		if ag.state == uint8(CrowdAgentStateInvalid) {
			continue
		}
		if ag.targetState == crowdAgentTargetNone || ag.targetState == crowdAgentTargetVelocity {
			continue
		}

		if ag.targetState == crowdAgentTargetRequesting {
			path := ag.corridor.Path()
			npath := ag.corridor.PathCount()
			if npath == 0 {
				panic("crowd: agent corridor path must not be empty")
			}

			const maxRes = 32
			reqPos := d3.NewVec3()
			var reqPath [maxRes]detour.PolyRef // The path to the request location
			var reqPathCount int = 0

			// Quick search towards the goal.
			c.navquery.InitSlicedFindPath(path[0], ag.targetRef, ag.npos, ag.targetPos, c.filters[ag.params.queryFilterType], 0)
			c.navquery.UpdateSlicedFindPath(c.QuickSearchIterations, nil)
			var status detour.Status = 0
			if ag.targetReplan { // && npath > 10)
				// Try to use existing steady path during replan if possible.
				reqPathCount, status = c.navquery.FinalizeSlicedFindPathPartial(path, npath, reqPath[:], maxRes)
			} else {
				// Try to move towards target when goal changes.
				reqPathCount, status = c.navquery.FinalizeSlicedFindPath(reqPath[:], maxRes)
			}

			if !detour.StatusFailed(status) && reqPathCount > 0 {
				// In progress or succeed.
				if reqPath[reqPathCount-1] != ag.targetRef {
					// Partial path, constrain target position inside the last polygon.
					status = c.navquery.ClosestPointOnPoly(reqPath[reqPathCount-1], ag.targetPos, reqPos, nil)
					if detour.StatusFailed(status) {
						reqPathCount = 0
					}
				} else {
					d3.Vec3Copy(reqPos, ag.targetPos)
				}
			} else {
				reqPathCount = 0
			}

			if reqPathCount == 0 {
				// Could not find path, start the request from current location.
				d3.Vec3Copy(reqPos, ag.npos)
				reqPath[0] = path[0]
				reqPathCount = 1
			}

			ag.corridor.SetCorridor(reqPos, reqPath[:], reqPathCount)
			ag.boundary.reset()
			ag.partial = false

			if reqPath[reqPathCount-1] == ag.targetRef {
				ag.targetState = uint8(crowdAgentTargetValid)
				ag.targetReplanTime = 0.0
			} else {
				// The path is longer or potentially unreachable, full plan.
				ag.targetState = uint8(crowdAgentTargetWaitingForQueue)
			}
		}

		if ag.targetState == uint8(crowdAgentTargetWaitingForQueue) {
			nqueue = addToPathQueue(ag, queue[:], nqueue, pathMaxAgents)
		}
	}

	for i := 0; i < nqueue; i++ {
		ag := queue[i]
		ag.targetPathqRef = c.pathQ.Request(ag.corridor.LastPoly(), ag.targetRef,
			ag.corridor.Target(), ag.targetPos, c.filters[ag.params.queryFilterType])
		if ag.targetPathqRef != PathQInvalid {
			ag.targetState = uint8(crowdAgentTargetWaitingForPath)
		}
	}

	// Spend this tick's pathfinder budget on the agents that have been
	// waiting longest for a full replan, oldest first, capping how much
	// any single one of them can take so a hard search can't starve the
	// rest of the queue. c.pathQ.Update alone can't give us that: its
	// round-robin sweep has no notion of priority or a per-request cap,
	// so we drive it explicitly instead of handing it the whole budget.
	c.updatePathQueue()

	var status detour.Status

	// Process path results.
	for i := 0; i < c.maxAgents; i++ {
		ag := &c.agents[i]
		if !ag.active {
			continue
		}
		if ag.targetState == crowdAgentTargetNone || ag.targetState == crowdAgentTargetVelocity {
			continue
		}

		if ag.targetState == uint8(crowdAgentTargetWaitingForPath) {
			// Poll path queue.
			status = c.pathQ.GetRequestStatus(ag.targetPathqRef)
			if detour.StatusFailed(status) {
				// Path find failed, retry if the target location is still valid.
				ag.targetPathqRef = PathQInvalid
				if ag.targetRef != 0 {
					ag.targetState = uint8(crowdAgentTargetRequesting)
				} else {
					ag.targetState = uint8(crowdAgentTargetFailed)
				}
				ag.targetReplanTime = 0.0
			} else if detour.StatusSucceed(status) {
				path := ag.corridor.Path()
				npath := ag.corridor.PathCount()
				if npath == 0 {
					panic("crowd: agent corridor path must not be empty")
				}

				// Apply results.
				targetPos := d3.NewVec3From(ag.targetPos)
				res := c.pathResult[:]
				valid := true
				var nres int = 0
				status = c.pathQ.GetPathResult(ag.targetPathqRef, res, &nres, c.maxPathResult)
				if detour.StatusFailed(status) || nres == 0 {
					valid = false
				}

				if detour.StatusDetail(status, detour.PartialResult) {
					ag.partial = true
					Logger.Printf("agent %d: path to target is partial", i)
				} else {
					ag.partial = false
				}

				// Merge result and existing path.
				// The agent might have moved whilst the request is
				// being processed, so the path may have changed.
				// We assume that the end of the path is at the same location
				// where the request was issued.

				// The last ref in the old path should be the same as
				// the location where the request was issued..
				if valid && path[npath-1] != res[0] {
					valid = false
				}

				if valid {
					// Put the old path infront of the old path.
					if npath > 1 {
						// Make space for the old path.
						if (npath-1)+nres > c.maxPathResult {
							nres = c.maxPathResult - (npath - 1)
						}

						copy(res[npath-1:], res)
						// Copy old path in the beginning.
						copy(res, path[:npath-1])
						nres += npath - 1

						// Remove trackbacks
						for j := 0; j < nres; j++ {
							if j-1 >= 0 && j+1 < nres {
								if res[j-1] == res[j+1] {
									copy(res[(j-1):], res[j+1:nres])
									nres -= 2
									j -= 2
								}
							}
						}
					}

					// Check for partial path.
					if res[nres-1] != ag.targetRef {
						// Partial path, constrain target position inside the last polygon.
						nearest := d3.NewVec3()
						status = c.navquery.ClosestPointOnPoly(res[nres-1], targetPos, nearest, nil)
						if detour.StatusSucceed(status) {
							d3.Vec3Copy(targetPos, nearest)
						} else {
							valid = false
						}
					}
				}

				if valid {
					// Set current corridor.
					ag.corridor.SetCorridor(targetPos, res, nres)
					// Force to update boundary.
					ag.boundary.reset()
					ag.targetState = uint8(crowdAgentTargetValid)
				} else {
					// Something went wrong.
					ag.targetState = uint8(crowdAgentTargetFailed)
				}

				ag.targetReplanTime = 0.0
			}
		}
	}
}

// updatePathQueue drives the shared PathQueue for one tick, servicing
// agents that are waiting on a full replan in descending order of
// targetReplanTime (the requests that have been pending longest go first)
// and capping each one at MaxIterationsPerAgent so that a single expensive
// search cannot consume the whole of MaxIterationsPerUpdate and starve
// every other agent in the same tick.
func (c *Crowd) updatePathQueue() {
	type pending struct {
		ref        PathQueueRef
		replanTime float32
	}

	waiting := make([]pending, 0, c.maxAgents)
	for i := 0; i < c.maxAgents; i++ {
		ag := &c.agents[i]
		if !ag.active {
			continue
		}
		if ag.targetState != uint8(crowdAgentTargetWaitingForPath) {
			continue
		}
		if ag.targetPathqRef == PathQInvalid {
			continue
		}
		waiting = append(waiting, pending{ag.targetPathqRef, ag.targetReplanTime})
	}

	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].replanTime > waiting[j].replanTime
	})

	refs := make([]PathQueueRef, len(waiting))
	for i, p := range waiting {
		refs[i] = p.ref
	}

	c.pathQ.UpdateOrdered(refs, int(c.MaxIterationsPerUpdate), int(c.MaxIterationsPerAgent))
}

func (c *Crowd) checkPathValidity(agents []*CrowdAgent, nagents int, dt float32) {
	const (
		checkLookAhead    = 10
		targetReplanDelay = 1.0 // seconds
	)

	for i := 0; i < nagents; i++ {
		ag := agents[i]

		if ag.state != uint8(CrowdAgentStateWalking) {
			continue
		}

		ag.targetReplanTime += dt

		replan := false

		// First check that the current location is valid.
		idx := c.AgentIndex(ag)
		agentPos := d3.NewVec3From(ag.npos)
		agentRef := ag.corridor.FirstPoly()
		if !c.navquery.IsValidPolyRef(agentRef, c.filters[ag.params.queryFilterType]) {
			// Current location is not valid, try to reposition.
			// TODO: this can snap agents, how to handle that?
			nearest := d3.NewVec3From(agentPos)
			agentRef = 0
			_, agentRef, nearest = c.navquery.FindNearestPoly(ag.npos, c.ext, c.filters[ag.params.queryFilterType])
			d3.Vec3Copy(agentPos, nearest)

			if agentRef == 0 {
				// Could not find location in navmesh, set state to invalid.
				ag.corridor.Reset(0, agentPos)
				ag.partial = false
				ag.boundary.reset()
				ag.state = uint8(CrowdAgentStateInvalid)
				continue
			}

			// Make sure the first polygon is valid, but leave other valid
			// polygons in the path so that replanner can adjust the path better.
			ag.corridor.FixPathStart(agentRef, agentPos)
			//			ag.corridor.trimInvalidPath(agentRef, agentPos, m_navquery, &m_filter);
			ag.boundary.reset()
			d3.Vec3Copy(ag.npos, agentPos)

			replan = true
		}

		// If the agent does not have move target or is controlled by velocity, no need to recover the target nor replan.
		if ag.targetState == crowdAgentTargetNone || ag.targetState == crowdAgentTargetVelocity {
			continue
		}

		// Try to recover move request position.
		if ag.targetState != crowdAgentTargetNone && ag.targetState != crowdAgentTargetFailed {
			if !c.navquery.IsValidPolyRef(ag.targetRef, c.filters[ag.params.queryFilterType]) {
				// Current target is not valid, try to reposition.
				nearest := d3.NewVec3From(ag.targetPos)
				ag.targetRef = 0
				_, ag.targetRef, nearest = c.navquery.FindNearestPoly(ag.targetPos, c.ext, c.filters[ag.params.queryFilterType])
				d3.Vec3Copy(ag.targetPos, nearest)
				replan = true
			}
			if ag.targetRef == 0 {
				// Failed to reposition target, fail moverequest.
				ag.corridor.Reset(agentRef, agentPos)
				ag.partial = false
				ag.targetState = crowdAgentTargetNone
			}
		}

		// If nearby corridor is not valid, replan.
		if !ag.corridor.IsValid(checkLookAhead, c.navquery, c.filters[ag.params.queryFilterType]) {
			// Fix current path.
			//			ag.corridor.trimInvalidPath(agentRef, agentPos, m_navquery, &m_filter);
			//			ag.boundary.reset();
			replan = true
		}

		// If the end of the path is near and it is not the requested location, replan.
		if ag.targetState == uint8(crowdAgentTargetValid) {
			if ag.targetReplanTime > targetReplanDelay &&
				ag.corridor.PathCount() < checkLookAhead &&
				ag.corridor.LastPoly() != ag.targetRef {
				replan = true
			}
		}

		// Try to replan path to goal.
		if replan {
			if ag.targetState != crowdAgentTargetNone {
				c.requestMoveTargetReplan(idx, ag.targetRef, ag.targetPos)
			}
		}
	}
}

func (c *Crowd) AgentIndex(agent *CrowdAgent) int {
	// TODO: use unsafe here
	it := (uintptr(unsafe.Pointer(agent)) - uintptr(unsafe.Pointer(&c.agents[0]))) / unsafe.Sizeof(*agent)
	return int(it)
}

// AgentID identifies an agent handed out by AddAgent: a dense slot index
// paired with the generation that slot was allocated under. It is the
// external handle callers hold onto; AgentIndex above is the internal,
// generation-unaware reverse lookup used by the update pipeline itself.
type AgentID int64

// InvalidAgentID is returned by AddAgent when the crowd has no free slot.
const InvalidAgentID AgentID = -1

func newAgentID(idx int, gen uint32) AgentID {
	return AgentID(uint64(gen)<<32 | uint64(uint32(idx)))
}

func (id AgentID) index() int { return int(uint32(id)) }

func (id AgentID) generation() uint32 { return uint32(uint64(id) >> 32) }

// resolve validates id against its slot's current generation, returning the
// slot index and whether id is still live. A stale id (its slot was removed
// and its generation bumped, whether or not the slot has since been reused)
// resolves to ok == false.
func (c *Crowd) resolve(id AgentID) (int, bool) {
	if id < 0 {
		return 0, false
	}
	idx := id.index()
	if idx < 0 || idx >= c.maxAgents {
		return 0, false
	}
	if c.generation[idx] != id.generation() {
		return 0, false
	}
	return idx, true
}

func (c *Crowd) requestMoveTargetReplan(idx int, ref detour.PolyRef, pos d3.Vec3) bool {
	if idx < 0 || idx >= c.maxAgents {
		return false
	}

	ag := &c.agents[idx]

	// Initialize request.
	ag.targetRef = ref
	d3.Vec3Copy(ag.targetPos, pos)
	ag.targetPathqRef = PathQInvalid
	ag.targetReplan = true
	if ag.targetRef != 0 {
		ag.targetState = uint8(crowdAgentTargetRequesting)
	} else {
		ag.targetState = uint8(crowdAgentTargetFailed)
	}

	return true
}

func (c *Crowd) purge() {
	c.agents = nil
	c.maxAgents = 0
	c.activeAgents = nil
	c.agentAnims = nil
	c.pathResult = nil
	c.grid = nil
	c.obstacleQuery = nil
	c.navquery = nil
}

// Init initializes the crowd.
//
//  Arguments:
//   maxAgents       The maximum number of agents the crowd can manage.
//                   [Limit: >= 1]
//   maxAgentRadius  The maximum radius of any agent that will be added to the
//                   crowd. [Limit: > 0]
//   nav             The navigation mesh to use for planning.
//
// Return true if the initialization succeeded.
// May be called more than once to purge and re-initialize the crowd.
func (c *Crowd) Init(maxAgents int, maxAgentRadius float32, nav *detour.NavMesh) bool {
	c.purge()
	c.ext = d3.NewVec3()

	c.maxAgents = maxAgents
	c.maxAgentRadius = maxAgentRadius

	c.ext.SetXYZ(c.maxAgentRadius*2.0, c.maxAgentRadius*1.5, c.maxAgentRadius*2.0)

	c.grid = NewProximityGrid(c.maxAgents*4, maxAgentRadius*3)
	c.obstacleQuery = NewObstacleAvoidanceQuery(6, 8)

	// Give every query filter slot a usable default filter, so agents
	// created with the default queryFilterType (0) don't drive pathfinding
	// and query calls with a nil detour.QueryFilter.
	for i := 0; i < CrowdAgentMaxQueryFilterType; i++ {
		c.filters[i] = detour.NewStandardQueryFilter()
	}

	// Init obstacle query params.
	c.obstacleQueryParams = [CrowdAgentMaxObstavoidanceParams]ObstacleAvoidanceParams{}
	for i := 0; i < CrowdAgentMaxObstavoidanceParams; i++ {
		params := &c.obstacleQueryParams[i]
		params.velBias = 0.4
		params.weightDesVel = 2.0
		params.weightCurVel = 0.75
		params.weightSide = 0.75
		params.weightToi = 2.5
		params.horizTime = 2.5
		params.gridSize = 33
		params.adaptiveDivs = 7
		params.adaptiveRings = 2
		params.adaptiveDepth = 5
	}

	// Allocate temp buffer for merging paths.
	c.maxPathResult = 256
	c.pathResult = make([]detour.PolyRef, c.maxPathResult)

	if c.MaxRequestsPerUpdate <= 0 {
		c.MaxRequestsPerUpdate = DefaultMaxRequestsPerUpdate
	}
	if c.QuickSearchIterations <= 0 {
		c.QuickSearchIterations = DefaultQuickSearchIterations
	}
	if c.MaxIterationsPerUpdate <= 0 {
		c.MaxIterationsPerUpdate = DefaultMaxIterationsPerUpdate
	}
	if c.MaxIterationsPerAgent <= 0 {
		c.MaxIterationsPerAgent = DefaultMaxIterationsPerAgent
	}

	if !c.pathQ.Init(c.maxPathResult, maxPathQueueNodes, nav, c.MaxRequestsPerUpdate) {
		return false
	}

	c.agents = make([]CrowdAgent, c.maxAgents)
	c.activeAgents = make([]*CrowdAgent, c.maxAgents)
	c.agentAnims = make([]CrowdAgentAnimation, c.maxAgents)
	c.generation = make([]uint32, c.maxAgents)

	for i := 0; i < c.maxAgents; i++ {
		// TODO: to implement (we new NewCrowdAgent because it contains some
		// 3D vectors that need to be allocated
		c.agents[i] = *NewCrowdAgent()
		c.agents[i].active = false
		if !c.agents[i].corridor.init(c.maxPathResult) {
			return false
		}
	}

	for i := 0; i < c.maxAgents; i++ {
		c.agentAnims[i].active = false
	}

	// The navquery is mostly used for local searches, no need for large node pool.
	var st detour.Status
	st, c.navquery = detour.NewNavMeshQuery(nav, maxCommonNodes)
	if c.navquery == nil {
		return false
	}
	if detour.StatusFailed(st) {
		return false
	}

	return true
}

// Sets the shared avoidance configuration for the specified index.
//
//  Arguments:
//   idx      The index. [Limits: 0 <= value < CrowdMaxObstavoidanceParams]
//   params   The new configuration.
func (c *Crowd) SetObstacleAvoidanceParams(idx int, params *ObstacleAvoidanceParams) {
	if idx >= 0 && idx < CrowdAgentMaxObstavoidanceParams {
		c.obstacleQueryParams[idx] = *params
	}
}

// Gets the shared avoidance configuration for the specified index.
//
//  Arguments:
//   idx      The index of the configuration to retreive.
//            [Limits:  0 <= value < CrowdMaxObstavoidanceParams]
//
// Return The requested configuration.
func (c *Crowd) ObstacleAvoidanceParams(idx int) *ObstacleAvoidanceParams {
	if idx >= 0 && idx < CrowdAgentMaxObstavoidanceParams {
		return &c.obstacleQueryParams[idx]
	}
	return nil
}

// Gets the specified agent from the pool.
//
//  Arguments:
//   id       The agent id, as returned by AddAgent.
//
// Return The requested agent.
// Agents in the pool may not be in use. Check CrowdAgent.active before
// using the returned object. Returns nil if id is stale (its slot has since
// been removed and possibly reused by another agent).
func (c *Crowd) Agent(id AgentID) *CrowdAgent {
	idx, ok := c.resolve(id)
	if !ok {
		return nil
	}
	return &c.agents[idx]
}

// Gets the specified agent from the pool.
//
//  Arguments:
//   id       The agent id, as returned by AddAgent.
//
// Return The requested agent.
// Agents in the pool may not be in use. Check CrowdAgent.active before using
// the returned object. Returns nil if id is stale.
func (c *Crowd) EditableAgent(id AgentID) *CrowdAgent {
	idx, ok := c.resolve(id)
	if !ok {
		return nil
	}
	return &c.agents[idx]
}

// The maximum number of agents that can be managed by the object.
//
// Return The maximum number of agents.
func (c *Crowd) AgentCount() int {
	return c.maxAgents
}

// Adds a new agent to the crowd.
//
//  Arguments:
//   pos      The requested position of the agent. [(x, y, z)]
//   params   The configutation of the agent.
//
// Return the new agent's id, or InvalidAgentID if the crowd has no free slot.
//
// The agent's position will be constrained to the surface of the navigation
// mesh.
func (c *Crowd) AddAgent(pos d3.Vec3, params *CrowdAgentParams) AgentID {
	// Find empty slot.
	var idx int = -1
	for i := 0; i < c.maxAgents; i++ {
		if !c.agents[i].active {
			idx = i
			break
		}
	}
	if idx == -1 {
		return InvalidAgentID
	}

	ag := &c.agents[idx]
	id := newAgentID(idx, c.generation[idx])

	c.UpdateAgentParameters(id, params)

	// Find nearest position on navmesh and place the agent there.
	status, ref, nearest := c.navquery.FindNearestPoly(pos, c.ext, c.filters[ag.params.queryFilterType])
	if detour.StatusFailed(status) {
		d3.Vec3Copy(nearest, pos)
		ref = 0
	}

	ag.corridor.Reset(ref, nearest)
	ag.boundary.reset()
	ag.partial = false

	ag.topologyOptTime = 0
	ag.targetReplanTime = 0
	ag.nneis = 0

	ag.dvel.SetXYZ(0, 0, 0)
	ag.nvel.SetXYZ(0, 0, 0)
	ag.vel.SetXYZ(0, 0, 0)
	d3.Vec3Copy(ag.npos, nearest)

	ag.desiredSpeed = 0

	if ref != 0 {
		ag.state = uint8(CrowdAgentStateWalking)
	} else {
		ag.state = uint8(CrowdAgentStateInvalid)
	}

	ag.targetState = crowdAgentTargetNone

	ag.active = true

	return id
}

// Updates the specified agent's configuration.
//
//  Arguments:
//   id       The agent id, as returned by AddAgent.
//   params   The new agent configuration.
func (c *Crowd) UpdateAgentParameters(id AgentID, params *CrowdAgentParams) {
	idx, ok := c.resolve(id)
	if !ok {
		return
	}
	c.agents[idx].params = *params
}

// Removes the agent from the crowd.
//
//  Arguments:
//   id       The agent id, as returned by AddAgent.
//
// The agent is deactivated and will no longer be processed. Its CrowdAgent
// object is not removed from the pool: it is marked as inactive and its slot's
// generation is bumped, so that the slot is available for reuse and any copy
// of id still held by the caller is rejected by a later Agent/RequestMove*
// call instead of silently addressing whichever agent reuses the slot.
func (c *Crowd) RemoveAgent(id AgentID) {
	idx, ok := c.resolve(id)
	if !ok {
		return
	}
	c.agents[idx].active = false
	c.generation[idx]++
}

// Submits a new move request for the specified agent.
//
//  Arguments:
//   id       The agent id, as returned by AddAgent.
//   ref      The position's polygon reference.
//   pos      The position within the polygon. [(x, y, z)]
//
// Return true if the request was successfully submitted.
// This method is used when a new target is set.
//
// The position will be constrained to the surface of the navigation mesh.
//
// The request will be processed during the next update().
func (c *Crowd) RequestMoveTarget(id AgentID, ref detour.PolyRef, pos d3.Vec3) bool {
	idx, ok := c.resolve(id)
	if !ok {
		return false
	}
	if ref == 0 {
		return false
	}

	ag := &c.agents[idx]

	// Initialize request.
	ag.targetRef = ref
	d3.Vec3Copy(ag.targetPos, pos)
	ag.targetPathqRef = PathQInvalid
	ag.targetReplan = false
	if ag.targetRef != 0 {
		ag.targetState = uint8(crowdAgentTargetRequesting)
	} else {
		ag.targetState = uint8(crowdAgentTargetFailed)
	}

	return true
}

// Submits a new move request for the specified agent.
//
//  Arguments:
//   id       The agent id, as returned by AddAgent.
//   vel      The movement velocity. [(x, y, z)]
//
// Return true if the request was successfully submitted.
func (c *Crowd) RequestMoveVelocity(id AgentID, vel d3.Vec3) bool {
	idx, ok := c.resolve(id)
	if !ok {
		return false
	}

	ag := &c.agents[idx]

	// Initialize request.
	ag.targetRef = 0
	d3.Vec3Copy(ag.targetPos, vel)
	ag.targetPathqRef = PathQInvalid
	ag.targetReplan = false
	ag.targetState = uint8(crowdAgentTargetVelocity)

	return true
}

// Resets any request for the specified agent.
//
//  Arguments:
//   id       The agent id, as returned by AddAgent.
//
// Return true if the request was successfully reseted.
func (c *Crowd) ResetMoveTarget(id AgentID) bool {
	idx, ok := c.resolve(id)
	if !ok {
		return false
	}

	ag := &c.agents[idx]

	// Initialize request.
	ag.targetRef = 0
	ag.targetPos.SetXYZ(0, 0, 0)
	ag.dvel.SetXYZ(0, 0, 0)
	ag.targetPathqRef = PathQInvalid
	ag.targetReplan = false
	ag.targetState = crowdAgentTargetNone

	return true
}

// Gets the active agents int the agent pool.
//
//  Arguments:
//   agents    An array of agent pointers. [(CrowdAgent *) * maxAgents]
//   maxAgents The size of the crowd agent array.
//
// Return the number of agents returned in agents.
func (c *Crowd) ActiveAgents(agents []*CrowdAgent, maxAgents int) int {
	var n int
	for i := 0; i < c.maxAgents; i++ {
		if !c.agents[i].active {
			continue
		}
		if n < maxAgents {
			agents[n] = &c.agents[i]
			n++
		}
	}
	return n
}

// Updates the steering and positions of all agents.
//
//  Arguments:
//   dt       The time, in seconds, to Update the simulation. [Limit: > 0]
//   debug    A debug object to load with debug information. [Opt]
// Update advances every active agent by one tick of dt seconds, running
// a fixed 13-phase pipeline: path validity, move-request/pathfinding,
// topology optimization, proximity grid rebuild, boundary refresh and
// neighbour gathering, corner finding, off-mesh triggers, steering,
// velocity planning, integration, collision resolution, corridor
// clamping, and off-mesh animation. debug may be nil; when set, the
// agent whose active-list index matches debug.idx records extra
// diagnostic state (steering
// optimization endpoints, obstacle-avoidance sample traces) as it runs.
func (c *Crowd) Update(dt float32, debug *CrowdAgentDebugInfo) {
	c.velocitySampleCount = 0

	debugIdx := -1
	if debug != nil {
		debugIdx = debug.idx
	}

	agents := c.activeAgents
	nagents := c.ActiveAgents(agents, c.maxAgents)

	c.checkPathValidity(agents, nagents, dt)
	c.updateMoveRequest(dt)
	c.updateTopologyOptimization(agents, nagents, dt)

	c.rebuildProximityGrid(agents, nagents)
	c.updateNeighbours(agents, nagents)
	c.updateCorners(agents, nagents, debug, debugIdx)
	c.updateOffMeshTriggers(agents, nagents)
	c.updateSteering(agents, nagents)
	c.updateVelocityPlanning(agents, nagents, debug, debugIdx)
	c.integrateAgents(agents, nagents, dt)
	c.resolveCollisions(agents, nagents)
	c.updateCorridors(agents, nagents)
	c.updateOffMeshAnimations(agents, dt)
}

// rebuildProximityGrid re-buckets every active agent into the crowd's
// spatial grid for this tick's neighbour and collision queries.
func (c *Crowd) rebuildProximityGrid(agents []*CrowdAgent, nagents int) {
	c.grid.Clear()
	for i := 0; i < nagents; i++ {
		ag := agents[i]
		p := ag.npos
		r := ag.params.radius
		c.grid.AddItem(uint16(i), p[0]-r, p[2]-r, p[0]+r, p[2]+r)
	}
}

// updateNeighbours refreshes each walking agent's local collision
// boundary (only once it's gone stale, to bound navmesh query traffic)
// and its list of nearby agents for steering and avoidance.
func (c *Crowd) updateNeighbours(agents []*CrowdAgent, nagents int) {
	for i := 0; i < nagents; i++ {
		ag := agents[i]
		if ag.state != uint8(CrowdAgentStateWalking) {
			continue
		}

		updateThr := ag.params.collisionQueryRange * 0.25
		if d3.Vec3Dist2DSqr(ag.npos, ag.boundary.Center()) > math32.Sqr(updateThr) ||
			!ag.boundary.isValid(c.navquery, c.filters[ag.params.queryFilterType]) {
			ag.boundary.update(ag.corridor.FirstPoly(), ag.npos, ag.params.collisionQueryRange,
				c.navquery, c.filters[ag.params.queryFilterType])
		}

		ag.nneis = getNeighbours(ag.npos, ag.params.height, ag.params.collisionQueryRange,
			ag, ag.neis[:], CrowdAgentMaxNeighbours,
			agents, nagents, c.grid)
		for j := 0; j < ag.nneis; j++ {
			ag.neis[j].idx = c.AgentIndex(agents[ag.neis[j].idx])
		}
	}
}

// updateCorners straightens each targeted agent's corridor into a list
// of steering corners, shortcutting toward the corner after next when
// it's directly visible and the agent's flags ask for that optimization.
func (c *Crowd) updateCorners(agents []*CrowdAgent, nagents int, debug *CrowdAgentDebugInfo, debugIdx int) {
	for i := 0; i < nagents; i++ {
		ag := agents[i]

		if ag.state != uint8(CrowdAgentStateWalking) {
			continue
		}
		if ag.targetState == crowdAgentTargetNone || ag.targetState == crowdAgentTargetVelocity {
			continue
		}

		ag.ncorners = ag.corridor.FindCorners(ag.cornerVerts[:], ag.cornerFlags[:], ag.cornerPolys[:],
			CrowdAgentMaxCorners, c.navquery, c.filters[ag.params.queryFilterType])

		if (ag.params.updateFlags&uint8(CrowOptimizeVis)) != 0 && ag.ncorners > 0 {
			target := ag.cornerVerts[intMin(1, ag.ncorners-1)*3:]
			ag.corridor.OptimizePathVisibility(target, ag.params.pathOptimizationRange, c.navquery, c.filters[ag.params.queryFilterType])

			if debugIdx == i {
				d3.Vec3Copy(debug.optStart[:], ag.corridor.Pos())
				d3.Vec3Copy(debug.optEnd[:], target)
			}
		} else if debugIdx == i {
			d3.Vec3(debug.optStart[:]).SetXYZ(0, 0, 0)
			d3.Vec3(debug.optEnd[:]).SetXYZ(0, 0, 0)
		}
	}
}

// updateOffMeshTriggers checks whether a walking agent has come within
// range of the off-mesh connection at the end of its remaining corners
// and, if so, hands it over to the off-mesh traversal animation.
func (c *Crowd) updateOffMeshTriggers(agents []*CrowdAgent, nagents int) {
	for i := 0; i < nagents; i++ {
		ag := agents[i]

		if ag.state != uint8(CrowdAgentStateWalking) {
			continue
		}
		if ag.targetState == crowdAgentTargetNone || ag.targetState == crowdAgentTargetVelocity {
			continue
		}

		triggerRadius := ag.params.radius * 2.25
		if !overOffmeshConnection(ag, triggerRadius) {
			continue
		}

		idx := c.AgentIndex(ag)
		anim := &c.agentAnims[idx]

		var refs [2]detour.PolyRef
		if ag.corridor.MoveOverOffmeshConnection(ag.cornerPolys[ag.ncorners-1], refs[:],
			anim.startPos, anim.endPos, c.navquery) {
			d3.Vec3Copy(anim.initPos, ag.npos)
			anim.polyRef = refs[1]
			anim.active = true
			anim.t = 0.0
			anim.tmax = (anim.startPos.Dist2D(anim.endPos) / ag.params.maxSpeed) * 0.5

			ag.state = uint8(CrowdAgentStatOffMesh)
			ag.ncorners = 0
			ag.nneis = 0
		}
		// Otherwise leave the agent walking; checkPathValidity will pick
		// up and replan a connection that turned out to be blocked.
	}
}

// updateSteering computes each agent's desired velocity: either its
// explicit requested velocity, or a direction toward its next corner
// scaled by a slowdown factor near the goal, then blended with a
// separation force that pushes it away from crowded neighbours.
func (c *Crowd) updateSteering(agents []*CrowdAgent, nagents int) {
	for i := 0; i < nagents; i++ {
		ag := agents[i]

		if ag.state != uint8(CrowdAgentStateWalking) {
			continue
		}
		if ag.targetState == crowdAgentTargetNone {
			continue
		}

		dvel := d3.NewVec3()

		if ag.targetState == crowdAgentTargetVelocity {
			d3.Vec3Copy(dvel, ag.targetPos)
			ag.desiredSpeed = ag.targetPos.Len()
		} else {
			if (ag.params.updateFlags & uint8(CrowdAnticipateTurns)) != 0 {
				calcSmoothSteerDirection(ag, dvel)
			} else {
				calcStraightSteerDirection(ag, dvel)
			}

			slowDownRadius := ag.params.radius * 2
			speedScale := getDistanceToGoal(ag, slowDownRadius) / slowDownRadius

			ag.desiredSpeed = ag.params.maxSpeed
			dvel.Scale(ag.desiredSpeed * speedScale)
		}

		if (ag.params.updateFlags & uint8(CrowdSeparation)) != 0 {
			separationDist := ag.params.collisionQueryRange
			invSeparationDist := 1.0 / separationDist
			separationWeight := ag.params.separationWeight

			var w float32
			disp := d3.NewVec3()

			for j := 0; j < ag.nneis; j++ {
				nei := &c.agents[ag.neis[j].idx]

				diff := d3.NewVec3()
				d3.Vec3Sub(diff, ag.npos, nei.npos)
				diff[1] = 0

				distSqr := diff.LenSqr()
				if distSqr < 0.00001 {
					continue
				}
				if distSqr > math32.Sqr(separationDist) {
					continue
				}
				dist := math32.Sqrt(distSqr)
				weight := separationWeight * (1.0 - math32.Sqr(dist*invSeparationDist))

				d3.Vec3Mad(disp, disp, diff, weight/dist)
				w += 1.0
			}

			if w > 0.0001 {
				d3.Vec3Mad(dvel, dvel, disp, 1.0/w)
				speedSqr := dvel.LenSqr()
				desiredSqr := math32.Sqr(ag.desiredSpeed)
				if speedSqr > desiredSqr {
					dvel.Scale(desiredSqr / speedSqr)
				}
			}
		}

		d3.Vec3Copy(ag.dvel, dvel)
	}
}

// updateVelocityPlanning runs each walking agent's desired velocity
// through the RVO-style obstacle-avoidance sampler, when its flags ask
// for it, to find a nearby velocity that avoids nearby agents and wall
// segments; otherwise the desired velocity is used as-is.
func (c *Crowd) updateVelocityPlanning(agents []*CrowdAgent, nagents int, debug *CrowdAgentDebugInfo, debugIdx int) {
	for i := 0; i < nagents; i++ {
		ag := agents[i]

		if ag.state != uint8(CrowdAgentStateWalking) {
			continue
		}

		if (ag.params.updateFlags & uint8(CrowdObstacleAvoidance)) == 0 {
			d3.Vec3Copy(ag.nvel, ag.dvel)
			continue
		}

		c.obstacleQuery.reset()

		for j := 0; j < ag.nneis; j++ {
			nei := &c.agents[ag.neis[j].idx]
			c.obstacleQuery.addCircle(nei.npos, nei.params.radius, nei.vel, nei.dvel)
		}

		for j := 0; j < ag.boundary.SegmentCount(); j++ {
			s := ag.boundary.Segment(j)
			if detour.TriArea2D(ag.npos, s, s[3:]) < 0.0 {
				continue
			}
			c.obstacleQuery.addSegment(s, s[3:])
		}

		var vod *ObstacleAvoidanceDebugData
		if debugIdx == i {
			vod = debug.vod
		}

		const adaptive = true
		params := &c.obstacleQueryParams[ag.params.obstacleAvoidanceType]

		var ns int
		if adaptive {
			ns = c.obstacleQuery.sampleVelocityAdaptive(ag.npos, ag.params.radius, ag.desiredSpeed,
				ag.vel, ag.dvel, ag.nvel, params, vod)
		} else {
			ns = c.obstacleQuery.sampleVelocityGrid(ag.npos, ag.params.radius, ag.desiredSpeed,
				ag.vel, ag.dvel, ag.nvel, params, vod)
		}
		c.velocitySampleCount += ns
	}
}

// integrateAgents advances each walking agent's position and velocity by
// dt according to its acceleration/speed limits.
func (c *Crowd) integrateAgents(agents []*CrowdAgent, nagents int, dt float32) {
	for i := 0; i < nagents; i++ {
		ag := agents[i]
		if ag.state != uint8(CrowdAgentStateWalking) {
			continue
		}
		integrate(ag, dt)
	}
}

// collisionResolveFactor damps how aggressively resolveCollisions pushes
// overlapping agents apart per iteration, trading a few extra iterations
// for less visible jitter than resolving the full overlap at once would
// cause.
const collisionResolveFactor = 0.7

// resolveCollisions runs four relaxation passes that push overlapping
// walking agents apart in proportion to how much they overlap, using
// each agent's slot index to pick a consistent separation direction when
// two agents land exactly on top of each other.
func (c *Crowd) resolveCollisions(agents []*CrowdAgent, nagents int) {
	for iter := 0; iter < 4; iter++ {
		for i := 0; i < nagents; i++ {
			ag := agents[i]
			idx0 := c.AgentIndex(ag)

			if ag.state != uint8(CrowdAgentStateWalking) {
				continue
			}

			ag.disp.SetXYZ(0, 0, 0)

			var w float32

			for j := 0; j < ag.nneis; j++ {
				nei := &c.agents[ag.neis[j].idx]
				idx1 := c.AgentIndex(nei)

				diff := ag.npos.Sub(nei.npos)
				diff[1] = 0

				dist := diff.LenSqr()
				if dist > math32.Sqr(ag.params.radius+nei.params.radius) {
					continue
				}
				dist = math32.Sqrt(dist)
				pen := (ag.params.radius + nei.params.radius) - dist
				if dist < 0.0001 {
					if idx0 > idx1 {
						diff.SetXYZ(-ag.dvel[2], 0, ag.dvel[0])
					} else {
						diff.SetXYZ(ag.dvel[2], 0, -ag.dvel[0])
					}
					pen = 0.01
				} else {
					pen = (1.0 / dist) * (pen * 0.5) * collisionResolveFactor
				}

				d3.Vec3Mad(ag.disp, ag.disp, diff, pen)

				w += 1.0
			}

			if w > 0.0001 {
				iw := 1.0 / w
				ag.disp.Scale(iw)
			}
		}

		for i := 0; i < nagents; i++ {
			ag := agents[i]
			if ag.state != uint8(CrowdAgentStateWalking) {
				continue
			}

			d3.Vec3Add(ag.npos, ag.npos, ag.disp)
		}
	}
}

// updateCorridors re-clamps each walking agent's post-collision position
// onto the navmesh surface and, for agents with no active move request,
// collapses their corridor down to the single polygon they're standing
// in.
func (c *Crowd) updateCorridors(agents []*CrowdAgent, nagents int) {
	for i := 0; i < nagents; i++ {
		ag := agents[i]
		if ag.state != uint8(CrowdAgentStateWalking) {
			continue
		}

		ag.corridor.MovePosition(ag.npos, c.navquery, c.filters[ag.params.queryFilterType])
		d3.Vec3Copy(ag.npos, ag.corridor.Pos())

		if ag.targetState == crowdAgentTargetNone || ag.targetState == crowdAgentTargetVelocity {
			ag.corridor.Reset(ag.corridor.FirstPoly(), ag.npos)
			ag.partial = false
		}
	}
}

// updateOffMeshAnimations advances every agent currently traversing an
// off-mesh connection along its init→start→end lerp, returning it to
// CrowdAgentStateWalking once the animation's duration has elapsed.
func (c *Crowd) updateOffMeshAnimations(agents []*CrowdAgent, dt float32) {
	for i := 0; i < c.maxAgents; i++ {
		anim := &c.agentAnims[i]
		if !anim.active {
			continue
		}
		ag := agents[i]

		anim.t += dt
		if anim.t > anim.tmax {
			anim.active = false
			ag.state = uint8(CrowdAgentStateWalking)
			continue
		}

		ta := anim.tmax * 0.15
		tb := anim.tmax
		if anim.t < ta {
			u := tween(anim.t, 0.0, ta)
			d3.Vec3Lerp(ag.npos, anim.initPos, anim.startPos, u)
		} else {
			u := tween(anim.t, ta, tb)
			d3.Vec3Lerp(ag.npos, anim.startPos, anim.endPos, u)
		}

		ag.vel.SetXYZ(0, 0, 0)
		ag.dvel.SetXYZ(0, 0, 0)
	}
}

// Gets the filter used by the crowd.
// Return the filter used by the crowd.
func (c *Crowd) Filter(i int) detour.QueryFilter {
	if i >= 0 && i < CrowdAgentMaxQueryFilterType {
		return c.filters[i]
	}
	return nil
}

// Gets the filter used by the crowd.
// Return the filter used by the crowd.
func (c *Crowd) EditableFilter(i int) detour.QueryFilter {
	if i >= 0 && i < CrowdAgentMaxQueryFilterType {
		return c.filters[i]
	}
	return nil
}

// Gets the search extents [(x, y, z)] used by the crowd for query operations.
// Return the search extents used by the crowd. [(x, y, z)]
func (c *Crowd) QueryExtents() d3.Vec3 {
	return c.ext
}

// Gets the velocity sample count.
// Return the velocity sample count.
func (c *Crowd) VelocitySampleCount() int {
	return c.velocitySampleCount
}

// Gets the crowd's proximity grid.
// Return the crowd's proximity grid.
func (c *Crowd) Grid() *ProximityGrid {
	return c.grid
}

// Gets the crowd's path request queue.
// Return the crowd's path request queue.
func (c *Crowd) PathQueue() *PathQueue {
	return &c.pathQ
}

// Gets the query object used by the crowd.
func (c *Crowd) NavMeshQuery() *detour.NavMeshQuery {
	return c.navquery
}

// IsAgentAtTarget reports whether the agent identified by id has reached its current
// move target: the target must be valid, the agent's corner corridor must
// end at the path's actual end (not merely run out of corners), and the
// planar distance from the agent to that final corner must be within
// threshold.
func (c *Crowd) IsAgentAtTarget(id AgentID, threshold float32) bool {
	idx, ok := c.resolve(id)
	if !ok {
		return false
	}
	ag := &c.agents[idx]
	if !ag.active || ag.targetState != uint8(crowdAgentTargetValid) {
		return false
	}
	if ag.ncorners == 0 {
		return false
	}
	if (ag.cornerFlags[ag.ncorners-1] & detour.StraightPathEnd) == 0 {
		return false
	}
	end := ag.cornerVerts[(ag.ncorners-1)*3:]
	return ag.npos.Dist2D(end) <= threshold
}

const (
	maxPathQueueNodes = 4096
	maxCommonNodes    = 512

	// DefaultMaxRequestsPerUpdate is the default PathQueue/admission size:
	// how many agents can have a full replan in flight at once.
	DefaultMaxRequestsPerUpdate = 8
	// DefaultQuickSearchIterations is the default iteration budget for the
	// short sliced search a newly-requesting agent runs towards its goal.
	DefaultQuickSearchIterations int32 = 20
	// DefaultMaxIterationsPerUpdate is the default total pathfinder
	// iteration budget the shared PathQueue spends per Update call.
	DefaultMaxIterationsPerUpdate int32 = 600
	// DefaultMaxIterationsPerAgent is the default per-agent slice of that
	// budget: no single request may consume more of
	// MaxIterationsPerUpdate than this, regardless of how much of the
	// tick's budget remains unspent.
	DefaultMaxIterationsPerAgent int32 = 200
)

func intMin(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func tween(t, t0, t1 float32) float32 {
	return f32.Clamp((t-t0)/(t1-t0), 0.0, 1.0)
}

func integrate(ag *CrowdAgent, dt float32) {
	// Fake dynamic constraint.
	maxDelta := ag.params.maxAcceleration * dt
	dv := ag.nvel.Sub(ag.vel)
	ds := dv.Len()
	if ds > maxDelta {
		dv = dv.Scale(maxDelta / ds)
	}
	d3.Vec3Add(ag.vel, ag.vel, dv)

	// Integrate
	if ag.vel.Len() > 0.0001 {
		d3.Vec3Mad(ag.npos, ag.npos, ag.vel, dt)
	} else {
		ag.vel.SetXYZ(0, 0, 0)
	}
}

// overOffmeshConnection reports whether ag's final remaining corner is an
// off-mesh connection that ag has come within radius of, meaning it's
// time to hand the agent over to the off-mesh traversal animation.
func overOffmeshConnection(ag *CrowdAgent, radius float32) bool {
	if ag.ncorners == 0 {
		return false
	}

	isOffMeshConnection := (ag.cornerFlags[ag.ncorners-1] & detour.StraightPathOffMeshConnection) != 0
	if !isOffMeshConnection {
		return false
	}

	distSq := d3.Vec3Dist2DSqr(ag.npos, ag.cornerVerts[(ag.ncorners-1)*3:])
	return distSq < radius*radius
}

func getDistanceToGoal(ag *CrowdAgent, rang float32) float32 {
	if ag.ncorners == 0 {
		return rang
	}

	var endOfPath bool
	if (ag.cornerFlags[ag.ncorners-1] & detour.StraightPathEnd) != 0 {
		endOfPath = true
	}
	if endOfPath {
		return math32.Min(ag.npos.Dist2D(ag.cornerVerts[(ag.ncorners-1)*3:]), rang)
	}

	return rang
}

func calcSmoothSteerDirection(ag *CrowdAgent, dir d3.Vec3) {
	if ag.ncorners == 0 {
		dir.SetXYZ(0, 0, 0)
		return
	}

	ip0 := int32(0)
	ip1 := math32.MinInt32(1, int32(ag.ncorners-1))
	p0 := ag.cornerVerts[ip0*3:]
	p1 := ag.cornerVerts[ip1*3:]

	var dir0, dir1 = d3.NewVec3(), d3.NewVec3()
	d3.Vec3Sub(dir0, p0, ag.npos)
	d3.Vec3Sub(dir1, p1, ag.npos)
	dir0[1] = 0
	dir1[1] = 0

	len0 := dir0.Len()
	len1 := dir1.Len()
	if len1 > 0.001 {
		d3.Vec3Scale(dir1, dir1, 1.0/len1)
	}

	dir[0] = dir0[0] - dir1[0]*len0*0.5
	dir[1] = 0
	dir[2] = dir0[2] - dir1[2]*len0*0.5

	dir.Normalize()
}

func calcStraightSteerDirection(ag *CrowdAgent, dir d3.Vec3) {
	if ag.ncorners == 0 {
		dir.SetXYZ(0, 0, 0)
		return
	}
	d3.Vec3Sub(dir, ag.cornerVerts[:], ag.npos)
	dir[1] = 0
	dir.Normalize()
}

// addNeighbour inserts (idx, dist) into neis, a list kept sorted by
// ascending distance, shifting farther entries down (and dropping the
// farthest once the list is at maxNeis) to make room.
func addNeighbour(idx int, dist float32, neis []CrowdNeighbour, nneis, maxNeis int) int {
	var slot int
	switch {
	case nneis == 0:
		slot = 0

	case dist >= neis[nneis-1].dist:
		if nneis >= maxNeis {
			return nneis
		}
		slot = nneis

	default:
		var i int
		for i = 0; i < nneis; i++ {
			if dist <= neis[i].dist {
				break
			}
		}

		tgt := i + 1
		n := intMin(nneis-i, maxNeis-tgt)

		if tgt+n > maxNeis {
			panic("crowd: addNeighbour shift overflowed its backing array")
		}

		if n > 0 {
			copy(neis[tgt:], neis[i:i+n])
		}
		slot = i
	}

	neis[slot] = CrowdNeighbour{idx: idx, dist: dist}

	return intMin(nneis+1, maxNeis)
}

// getNeighbours gathers, into result, the agents near pos (within height
// on the vertical axis and rang on the horizontal plane) using grid for
// a coarse candidate lookup, skipping skip itself.
func getNeighbours(pos d3.Vec3, height, rang float32,
	skip *CrowdAgent, result []CrowdNeighbour, maxResult int,
	agents []*CrowdAgent, nagents int, grid *ProximityGrid) int {
	var n int

	const maxGridCandidates = 32
	var ids [maxGridCandidates]uint16
	nids := grid.QueryItems(pos[0]-rang, pos[2]-rang,
		pos[0]+rang, pos[2]+rang,
		ids[:], maxGridCandidates)

	for i := 0; i < nids; i++ {
		ag := agents[ids[i]]

		if ag == skip {
			continue
		}

		// Check for overlap.
		diff := pos.Sub(ag.npos)
		if math32.Abs(diff[1]) >= (height+ag.params.height)/2.0 {
			continue
		}
		diff[1] = 0
		distSqr := diff.LenSqr()
		if distSqr > math32.Sqr(rang) {
			continue
		}

		n = addNeighbour(int(ids[i]), distSqr, result, n, maxResult)
	}
	return n
}

// insertByDescendingPriority inserts newag into agents, a list kept
// sorted by descending priority(·), shifting lower-priority entries down
// (and dropping the lowest once the list is at maxAgents) to make room.
// Both the topology-optimization queue and the pathfinder admission
// queue need exactly this ordering — the only difference is which field
// of CrowdAgent they rank by — so they share this one insertion routine.
func insertByDescendingPriority(newag *CrowdAgent, agents []*CrowdAgent, nagents, maxAgents int, priority func(*CrowdAgent) float32) int {
	var slot int
	switch {
	case nagents == 0:
		slot = 0

	case priority(newag) <= priority(agents[nagents-1]):
		if nagents >= maxAgents {
			return nagents
		}
		slot = nagents

	default:
		var i int
		for i = 0; i < nagents; i++ {
			if priority(newag) >= priority(agents[i]) {
				break
			}
		}

		tgt := i + 1
		n := intMin(nagents-i, maxAgents-tgt)

		if tgt+n > maxAgents {
			panic("crowd: insertByDescendingPriority shift overflowed its backing array")
		}

		if n > 0 {
			copy(agents[tgt:], agents[i:i+n])
		}
		slot = i
	}

	agents[slot] = newag

	return intMin(nagents+1, maxAgents)
}

// addToOptQueue admits newag into the topology-optimization queue,
// prioritizing whichever agent has gone longest since its last
// optimization pass.
func addToOptQueue(newag *CrowdAgent, agents []*CrowdAgent, nagents, maxAgents int) int {
	return insertByDescendingPriority(newag, agents, nagents, maxAgents, func(ag *CrowdAgent) float32 {
		return ag.topologyOptTime
	})
}

// addToPathQueue admits newag into the per-tick pathfinder admission
// queue, prioritizing whichever agent has been waiting longest for its
// replan.
func addToPathQueue(newag *CrowdAgent, agents []*CrowdAgent, nagents, maxAgents int) int {
	return insertByDescendingPriority(newag, agents, nagents, maxAgents, func(ag *CrowdAgent) float32 {
		return ag.targetReplanTime
	})
}
