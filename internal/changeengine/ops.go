package changeengine

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
)

// executeChangeSet runs steps 3 ("lock pre-check"), 4 ("schema validate"),
// 5 ("execute ops"), 6 ("invariant checks"), 7 ("audit"), and 8 ("compute
// diff") of the apply algorithm against a cloned working copy of doc,
// leaving doc untouched — the shared core both Propose and Apply use.
func executeChangeSet(doc *itinerary.Itinerary, cs itinerary.ChangeSet) (*itinerary.Itinerary, *itinerary.Diff, error) {
	if len(cs.Ops) == 0 && cs.Reason == "" {
		return nil, nil, itinerary.NewError(itinerary.ErrNoOps, "change set has no ops and no reason", nil)
	}

	working := doc.Clone()

	if err := validateOps(working, cs); err != nil {
		return nil, nil, err
	}

	tracker := newDiffTracker()

	for _, op := range cs.Ops {
		if err := applyOp(working, op, tracker, cs.Day); err != nil {
			return nil, nil, err
		}
	}

	if err := checkInvariants(working); err != nil {
		return nil, nil, err
	}

	diff := tracker.diff()
	diff.ToVersion = doc.Version + 1

	// Step 7 (audit): stamp every added or updated node with the change
	// set's agent and the current time.
	now := itinerary.Now()
	for _, changes := range [][]itinerary.NodeChange{diff.Added, diff.Updated} {
		for _, c := range changes {
			if di, ni, found := working.FindNode(c.NodeID); found {
				working.Days[di].Nodes[ni].UpdatedBy = cs.Agent
				working.Days[di].Nodes[ni].UpdatedAt = now
			}
		}
	}
	return working, &diff, nil
}

// executeChangeSet is a method so the engine can call it without importing
// itself as a free function from two call sites; kept as a thin wrapper to
// preserve the engine.go call shape.
func (e *Engine) executeChangeSet(doc *itinerary.Itinerary, cs itinerary.ChangeSet) (*itinerary.Itinerary, *itinerary.Diff, error) {
	return executeChangeSet(doc, cs)
}

// validateOps performs steps 3 (lock pre-check) and 4 (schema validate).
func validateOps(doc *itinerary.Itinerary, cs itinerary.ChangeSet) error {
	prefs := cs.Preferences
	if prefs == (itinerary.Preferences{}) {
		// A zero-value Preferences reads as "the caller didn't set anything",
		// not as an explicit request to bypass locks, so it defaults the same
		// way DefaultPreferences() does (spec.md §4.1): locks are respected
		// unless the caller opts out. Production call sites also set this
		// explicitly; this is the backstop for the ones that don't.
		prefs = itinerary.DefaultPreferences()
	}
	respectLocks := prefs.RespectLocks
	isAgentSource := cs.Agent != ""
	// Agent-sourced ops are always blocked by a lock when respectLocks is
	// set; user-sourced ops bypass locks only when preferences.userFirst is
	// true (spec.md §4.1 step 3).
	blocksOnLock := isAgentSource || !prefs.UserFirst

	for _, op := range cs.Ops {
		if err := validateOpShape(op); err != nil {
			return err
		}

		targetID := opTargetID(op)
		if targetID == "" {
			continue
		}
		dayIdx, nodeIdx, found := doc.FindNode(targetID)
		if !found {
			// existence is enforced per-op kind below (delete/replace/update
			// raise NODE_NOT_FOUND at execution time); lock checks only
			// apply to nodes that do exist.
			continue
		}
		node := doc.Days[dayIdx].Nodes[nodeIdx]
		if respectLocks && node.Locked && blocksOnLock {
			return itinerary.NewError(itinerary.ErrNodeLocked, fmt.Sprintf("node %s is locked", targetID), map[string]interface{}{"nodeId": targetID})
		}
	}
	return nil
}

func opTargetID(op itinerary.ChangeOperation) string {
	switch op.Op {
	case itinerary.OpDelete, itinerary.OpReplace, itinerary.OpUpdate, itinerary.OpMove:
		return op.ID
	case itinerary.OpUpdateEdge:
		return op.ID
	default:
		return ""
	}
}

func validateOpShape(op itinerary.ChangeOperation) error {
	switch op.Op {
	case itinerary.OpInsert:
		if op.Node == nil {
			return schemaErr("insert op requires a node")
		}
		if op.Node.Type == "" {
			return schemaErr("insert op's node requires a type")
		}
	case itinerary.OpDelete:
		if op.ID == "" {
			return schemaErr("delete op requires id")
		}
	case itinerary.OpMove:
		if op.ID == "" {
			return schemaErr("move op requires id")
		}
	case itinerary.OpReplace:
		if op.ID == "" || op.Node == nil {
			return schemaErr("replace op requires id and node")
		}
	case itinerary.OpUpdate:
		if op.ID == "" || op.Partial == nil {
			return schemaErr("update op requires id and partial")
		}
	case itinerary.OpUpdateEdge:
		if op.ID == "" && (op.From == "" || op.To == "") {
			return schemaErr("update_edge op requires id or (from,to)")
		}
	default:
		return schemaErr(fmt.Sprintf("unknown op kind %q", op.Op))
	}
	return nil
}

func schemaErr(msg string) error {
	return itinerary.NewError(itinerary.ErrSchemaInvalid, msg, nil)
}

// applyOp executes a single ChangeOperation against working in place,
// recording its effect in tracker for the eventual diff. targetDay is the
// change set's Day (0 for trip-scoped sets), used by insert ops with no
// After target to pick which day to prepend into.
func applyOp(working *itinerary.Itinerary, op itinerary.ChangeOperation, tracker *diffTracker, targetDay int) error {
	switch op.Op {
	case itinerary.OpInsert:
		return applyInsert(working, op, tracker, targetDay)
	case itinerary.OpDelete:
		return applyDelete(working, op, tracker)
	case itinerary.OpMove:
		return applyMove(working, op, tracker)
	case itinerary.OpReplace:
		return applyReplace(working, op, tracker)
	case itinerary.OpUpdate:
		return applyUpdate(working, op, tracker)
	case itinerary.OpUpdateEdge:
		return applyUpdateEdge(working, op, tracker)
	default:
		return schemaErr(fmt.Sprintf("unknown op kind %q", op.Op))
	}
}

func applyInsert(working *itinerary.Itinerary, op itinerary.ChangeOperation, tracker *diffTracker, targetDay int) error {
	node := *op.Node
	if node.ID == "" {
		node.ID = newNodeID(node.Type, currentDayHint(working, op.After, targetDay))
	}
	node.Status = itinerary.NodeStatusPlanned
	node.UpdatedAt = itinerary.Now()

	if op.After == "" {
		if len(working.Days) == 0 {
			return itinerary.NewError(itinerary.ErrNodeNotFound, "itinerary has no days to insert into", nil)
		}
		dayIdx := 0
		// A day-scoped change set (e.g. the Skeleton agent seeding one day
		// at a time) prepends into that day; trip-scoped sets (targetDay
		// 0) default to the first day, same as before day-scoping existed.
		if targetDay != 0 {
			if idx := findDayIndex(working, targetDay); idx >= 0 {
				dayIdx = idx
			}
		}
		d := &working.Days[dayIdx]
		d.Nodes = append([]itinerary.Node{node}, d.Nodes...)
		tracker.added(node.ID, d.DayNumber, node.Title)
		return nil
	}

	dayIdx, nodeIdx, found := working.FindNode(op.After)
	if !found {
		return itinerary.NewError(itinerary.ErrAfterNotFound, fmt.Sprintf("after-node %s not found", op.After), map[string]interface{}{"after": op.After})
	}
	d := &working.Days[dayIdx]
	d.Nodes = append(d.Nodes[:nodeIdx+1], append([]itinerary.Node{node}, d.Nodes[nodeIdx+1:]...)...)
	tracker.added(node.ID, d.DayNumber, node.Title)
	return nil
}

func currentDayHint(working *itinerary.Itinerary, after string, targetDay int) int {
	if after == "" {
		if targetDay != 0 {
			return targetDay
		}
		if len(working.Days) > 0 {
			return working.Days[0].DayNumber
		}
		return 1
	}
	dayIdx, _, found := working.FindNode(after)
	if !found {
		return 1
	}
	return working.Days[dayIdx].DayNumber
}

func newNodeID(t itinerary.NodeType, day int) string {
	return fmt.Sprintf("node_%s_day%d_%d_%04x", t, day, itinerary.Now(), rand.Intn(0x10000))
}

func applyDelete(working *itinerary.Itinerary, op itinerary.ChangeOperation, tracker *diffTracker) error {
	dayIdx, nodeIdx, found := working.FindNode(op.ID)
	if !found {
		return itinerary.NewError(itinerary.ErrNodeNotFound, fmt.Sprintf("node %s not found", op.ID), map[string]interface{}{"id": op.ID})
	}
	d := &working.Days[dayIdx]
	removed := d.Nodes[nodeIdx]
	d.Nodes = append(d.Nodes[:nodeIdx], d.Nodes[nodeIdx+1:]...)

	filtered := d.Edges[:0]
	for _, e := range d.Edges {
		if e.From == op.ID || e.To == op.ID {
			continue
		}
		filtered = append(filtered, e)
	}
	d.Edges = filtered

	tracker.removed(removed.ID, d.DayNumber, removed.Title)
	return nil
}

func applyMove(working *itinerary.Itinerary, op itinerary.ChangeOperation, tracker *diffTracker) error {
	dayIdx, nodeIdx, found := working.FindNode(op.ID)
	if !found {
		return itinerary.NewError(itinerary.ErrNodeNotFound, fmt.Sprintf("node %s not found", op.ID), map[string]interface{}{"id": op.ID})
	}
	node := working.Days[dayIdx].Nodes[nodeIdx]

	if op.StartTime != nil {
		node.Timing.StartTime = *op.StartTime
	}
	if op.EndTime != nil {
		node.Timing.EndTime = *op.EndTime
	}
	node.UpdatedAt = itinerary.Now()

	destDayIdx := dayIdx
	if op.ToDay != nil {
		idx := findDayIndex(working, *op.ToDay)
		if idx < 0 {
			return itinerary.NewError(itinerary.ErrNodeNotFound, fmt.Sprintf("destination day %d not found", *op.ToDay), nil)
		}
		destDayIdx = idx
	}

	// remove from source
	working.Days[dayIdx].Nodes = append(working.Days[dayIdx].Nodes[:nodeIdx], working.Days[dayIdx].Nodes[nodeIdx+1:]...)

	destDay := &working.Days[destDayIdx]
	if op.AfterNode != nil && *op.AfterNode != "" {
		_, afterIdx, found := findNodeInDay(destDay, *op.AfterNode)
		if !found {
			// spec.md §9 open question: toDay without a resolvable afterNode
			// appends at the end, mirroring the "append" default.
			destDay.Nodes = append(destDay.Nodes, node)
		} else {
			destDay.Nodes = append(destDay.Nodes[:afterIdx+1], append([]itinerary.Node{node}, destDay.Nodes[afterIdx+1:]...)...)
		}
	} else {
		// spec.md §9 open question resolved: toDay with no afterNode appends.
		destDay.Nodes = append(destDay.Nodes, node)
	}

	tracker.updated(node.ID, destDay.DayNumber, node.Title, "timing", "day")
	return nil
}

func findDayIndex(working *itinerary.Itinerary, dayNumber int) int {
	for i := range working.Days {
		if working.Days[i].DayNumber == dayNumber {
			return i
		}
	}
	return -1
}

func findNodeInDay(d *itinerary.Day, id string) (itinerary.Node, int, bool) {
	for i, n := range d.Nodes {
		if n.ID == id {
			return n, i, true
		}
	}
	return itinerary.Node{}, 0, false
}

func applyReplace(working *itinerary.Itinerary, op itinerary.ChangeOperation, tracker *diffTracker) error {
	dayIdx, nodeIdx, found := working.FindNode(op.ID)
	if !found {
		return itinerary.NewError(itinerary.ErrNodeNotFound, fmt.Sprintf("node %s not found", op.ID), map[string]interface{}{"id": op.ID})
	}
	existing := working.Days[dayIdx].Nodes[nodeIdx]
	replacement := *op.Node
	replacement.ID = existing.ID
	replacement.Locked = existing.Locked
	replacement.UpdatedAt = itinerary.Now()
	working.Days[dayIdx].Nodes[nodeIdx] = replacement

	tracker.updated(existing.ID, working.Days[dayIdx].DayNumber, replacement.Title, "*")
	return nil
}

func applyUpdate(working *itinerary.Itinerary, op itinerary.ChangeOperation, tracker *diffTracker) error {
	dayIdx, nodeIdx, found := working.FindNode(op.ID)
	if !found {
		return itinerary.NewError(itinerary.ErrNodeNotFound, fmt.Sprintf("node %s not found", op.ID), map[string]interface{}{"id": op.ID})
	}
	node := &working.Days[dayIdx].Nodes[nodeIdx]
	fields := deepMergeNode(node, op.Partial)
	node.UpdatedAt = itinerary.Now()

	tracker.updated(node.ID, working.Days[dayIdx].DayNumber, node.Title, fields...)
	return nil
}

func applyUpdateEdge(working *itinerary.Itinerary, op itinerary.ChangeOperation, tracker *diffTracker) error {
	dayIdx := -1
	from, to := op.From, op.To

	if op.ID != "" {
		// An edge id has the form "<from>-><to>" (see edgeID) and is looked
		// up across every day's edges; when no edge matches, the op's own
		// from/to are used below.
		for i, d := range working.Days {
			for _, e := range d.Edges {
				if edgeID(e) == op.ID {
					dayIdx = i
					from, to = e.From, e.To
					break
				}
			}
			if dayIdx >= 0 {
				break
			}
		}
	}
	if dayIdx < 0 && from != "" {
		dIdx, _, found := working.FindNode(from)
		if found {
			dayIdx = dIdx
		}
	}
	if dayIdx < 0 {
		return itinerary.NewError(itinerary.ErrNodeNotFound, "could not resolve edge target day", map[string]interface{}{"id": op.ID, "from": from, "to": to})
	}

	d := &working.Days[dayIdx]
	for i := range d.Edges {
		if d.Edges[i].From == from && d.Edges[i].To == to {
			d.Edges[i].Transit = op.Transit
			tracker.updated(edgeID(d.Edges[i]), d.DayNumber, "", "edge")
			return nil
		}
	}
	d.Edges = append(d.Edges, itinerary.Edge{From: from, To: to, Transit: op.Transit})
	tracker.updated(edgeID(itinerary.Edge{From: from, To: to}), d.DayNumber, "", "edge")
	return nil
}

func edgeID(e itinerary.Edge) string {
	return strings.Join([]string{e.From, e.To}, "->")
}

// deepMergeNode merges non-nil fields from partial onto node, returning the
// list of top-level field names that were touched.
func deepMergeNode(node *itinerary.Node, partial map[string]interface{}) []string {
	var touched []string
	for key, val := range partial {
		if val == nil {
			continue
		}
		switch key {
		case "title":
			if s, ok := val.(string); ok {
				node.Title = s
				touched = append(touched, key)
			}
		case "locked":
			if b, ok := val.(bool); ok {
				node.Locked = b
				touched = append(touched, key)
			}
		case "status":
			if s, ok := val.(string); ok {
				next := itinerary.NodeStatus(s)
				if itinerary.CanTransitionTo(node.Status, next) {
					node.Status = next
					touched = append(touched, key)
				}
			}
		case "labels":
			if arr, ok := val.([]interface{}); ok {
				node.Labels = toStringSlice(arr)
				touched = append(touched, key)
			}
		case "cost":
			mergeCost(node, val)
			touched = append(touched, key)
		case "timing":
			mergeTiming(node, val)
			touched = append(touched, key)
		case "location":
			mergeLocation(node, val)
			touched = append(touched, key)
		case "details":
			mergeDetails(node, val)
			touched = append(touched, key)
		case "agentData":
			if m, ok := val.(map[string]interface{}); ok {
				if node.AgentData == nil {
					node.AgentData = make(map[string]interface{}, len(m))
				}
				for k, v := range m {
					node.AgentData[k] = v
				}
				touched = append(touched, key)
			}
		}
	}
	return touched
}

func toStringSlice(arr []interface{}) []string {
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func mergeCost(node *itinerary.Node, val interface{}) {
	m, ok := val.(map[string]interface{})
	if !ok {
		return
	}
	if amt, ok := numberOf(m["amount"]); ok {
		node.Cost.Amount = amt
	}
	if cur, ok := m["currency"].(string); ok {
		node.Cost.Currency = cur
	}
	if per, ok := m["per"].(string); ok {
		node.Cost.Per = per
	}
}

func mergeTiming(node *itinerary.Node, val interface{}) {
	m, ok := val.(map[string]interface{})
	if !ok {
		return
	}
	if st, ok := numberOf(m["startTime"]); ok {
		node.Timing.StartTime = int64(st)
	}
	if et, ok := numberOf(m["endTime"]); ok {
		node.Timing.EndTime = int64(et)
	}
	if dm, ok := numberOf(m["durationMin"]); ok {
		node.Timing.DurationMin = int(dm)
	}
}

func mergeLocation(node *itinerary.Node, val interface{}) {
	m, ok := val.(map[string]interface{})
	if !ok {
		return
	}
	if name, ok := m["name"].(string); ok {
		node.Location.Name = name
	}
	if addr, ok := m["address"].(string); ok {
		node.Location.Address = addr
	}
	if pid, ok := m["placeId"].(string); ok {
		node.Location.PlaceID = pid
	}
	if coords, ok := m["coordinates"].(map[string]interface{}); ok {
		if lat, ok := numberOf(coords["lat"]); ok {
			node.Location.Coordinates.Lat = lat
		}
		if lng, ok := numberOf(coords["lng"]); ok {
			node.Location.Coordinates.Lng = lng
		}
	}
}

func mergeDetails(node *itinerary.Node, val interface{}) {
	m, ok := val.(map[string]interface{})
	if !ok {
		return
	}
	if rating, ok := numberOf(m["rating"]); ok {
		node.Details.Rating = rating
	}
	if cat, ok := m["category"].(string); ok {
		node.Details.Category = cat
	}
	if desc, ok := m["description"].(string); ok {
		node.Details.Description = desc
	}
}

func numberOf(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// checkInvariants runs step 6: day numbering contiguous, no dangling
// edges, every node has id+type, no duplicate node ids. It does not check
// timing order (startTime before endTime) and raises no warning for it.
func checkInvariants(doc *itinerary.Itinerary) error {
	seen := make(map[string]bool)
	for i, d := range doc.Days {
		if d.DayNumber != i+1 {
			return itinerary.NewError(itinerary.ErrSchemaInvalid, "day numbering is not contiguous", map[string]interface{}{"index": i, "dayNumber": d.DayNumber})
		}
		ids := make(map[string]bool, len(d.Nodes))
		for _, n := range d.Nodes {
			if n.ID == "" || n.Type == "" {
				return itinerary.NewError(itinerary.ErrSchemaInvalid, "node missing id or type", nil)
			}
			if seen[n.ID] {
				return itinerary.NewError(itinerary.ErrSchemaInvalid, fmt.Sprintf("duplicate node id %s", n.ID), nil)
			}
			seen[n.ID] = true
			ids[n.ID] = true
		}
		for _, e := range d.Edges {
			if !ids[e.From] || !ids[e.To] {
				return itinerary.NewError(itinerary.ErrSchemaInvalid, "dangling edge references a node outside its day", map[string]interface{}{"from": e.From, "to": e.To})
			}
		}
	}
	return nil
}
