package query

import (
	"github.com/cuemby/sink/internal/entitystore"
	"github.com/cuemby/sink/internal/keys"
)

// reduce implements the Reduce stage (spec §4.9): group `in` by
// stage.ReductionProp, pick one representative per group via
// stage.Selection's Min/Max comparison over SelectionProp, and attach
// Collect/Count aggregates computed across the whole group.
//
// Open question (spec §9): what happens to a group's representative
// identity across an incremental update, when the entity that used to
// win Min/Max no longer does (e.g. a thread's newest message changes)?
// Resolved here as Removal of the old representative + Creation of the
// new one — Execute/Update's Matched-set diff in query.go handles this
// automatically as long as reduce always returns the *current* winner
// under its original entity id, since the old winner simply stops being
// returned and falls out via the standard Removal path.
func reduce(stage FilterStage, in []Result) []Result {
	groups := map[string][]Result{}
	var order []string
	for _, res := range in {
		key := string(res.Properties[stage.ReductionProp])
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], res)
	}

	out := make([]Result, 0, len(order))
	for _, key := range order {
		members := groups[key]
		rep := pickRepresentative(members, stage.Selection)
		rep.Aggregates = computeAggregates(members, stage.Selection.Aggregators)
		for _, agg := range stage.Selection.Aggregators {
			if agg.Kind == Collect {
				for _, m := range members {
					rep.AggregateIDs = append(rep.AggregateIDs, m.Entity)
				}
				break
			}
		}
		out = append(out, rep)
	}
	return out
}

func pickRepresentative(members []Result, sel ReduceSelection) Result {
	best := members[0]
	for _, candidate := range members[1:] {
		a, b := candidate.Properties[sel.SelectionProp], best.Properties[sel.SelectionProp]
		switch sel.Cmp {
		case Min:
			if string(a) < string(b) {
				best = candidate
			}
		case Max:
			if string(a) > string(b) {
				best = candidate
			}
		}
	}
	return best
}

func computeAggregates(members []Result, aggs []Aggregator) map[string][]byte {
	if len(aggs) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(aggs))
	for _, agg := range aggs {
		switch agg.Kind {
		case Count:
			out[agg.Property] = keys.Revision(len(members)).EncodeBigEndian()
		case Collect:
			// Collected values are exposed via AggregateIDs on the
			// representative (set by reduce) rather than packed into
			// Aggregates, since the natural collection here is the group
			// members' ids (e.g. all mails merged into a thread), not scalar
			// values.
		}
	}
	return out
}

// resolveReferences implements the ReferenceResolver stage: follow
// stage.RefProp as a self-reference chain from each result up through its
// ancestors (e.g. Folder.Parent), collecting stage.RefAggs values along
// the way and attaching them as AggregateIDs.
func (c *Compiled) resolveReferences(r *entitystore.Reader, stage FilterStage, in []Result) ([]Result, error) {
	out := make([]Result, 0, len(in))
	for _, res := range in {
		var chain []keys.Identifier
		current := res.Entity
		for i := 0; i < maxReferenceChainDepth; i++ {
			parentBytes, err := r.SecondaryIndexLookup(c.query.Type, stage.RefIndex, current)
			if err != nil {
				break
			}
			parent, err := keys.IdentifierFromBytes(parentBytes)
			if err != nil {
				break
			}
			chain = append(chain, parent)
			current = parent
		}
		res.AggregateIDs = append(res.AggregateIDs, chain...)
		out = append(out, res)
	}
	return out, nil
}

// maxReferenceChainDepth bounds ReferenceResolver's ancestor walk against a
// cyclic reference (which should never occur, but a hierarchy like
// Folder.Parent is exactly the kind of user-editable data that could end
// up cyclic through an adapter bug).
const maxReferenceChainDepth = 64

// bloom implements the Bloom stage: given an entity as input, expand to
// every other entity sharing stage.BloomProperty's value (e.g. all mails
// in the same thread).
func (c *Compiled) bloom(r *entitystore.Reader, stage FilterStage, in []Result) ([]Result, error) {
	seen := make(map[keys.Identifier]bool, len(in))
	out := make([]Result, 0, len(in))
	for _, res := range in {
		if seen[res.Entity] {
			continue
		}
		seen[res.Entity] = true
		out = append(out, res)

		value := res.Properties[stage.BloomProperty]
		siblings, err := r.ValueIndexLookup(c.query.Type, stage.BloomIndex, value)
		if err != nil {
			return nil, err
		}
		for _, sibling := range siblings {
			if seen[sibling] {
				continue
			}
			seen[sibling] = true
			props, live, err := c.readLive(r, sibling)
			if err != nil {
				return nil, err
			}
			if !live {
				continue
			}
			out = append(out, Result{Entity: sibling, Properties: props})
		}
	}
	return out, nil
}
