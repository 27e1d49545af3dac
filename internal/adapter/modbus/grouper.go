package modbus

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nexus-edge/acquisition-gateway/internal/domain"
)

// Request is a single wire operation executed by a Driver.
type Request struct {
	FunctionCode domain.FunctionCode
	Address      uint16
	Quantity     uint16

	// Payload is the data written by function codes 5, 6, 15 and 16.
	Payload []byte

	// Response is filled by the driver with the PDU data of the reply
	// (register bytes or the packed bit array, without the byte count).
	Response []byte
}

// GroupMember is a variable served by a request group.
type GroupMember struct {
	Variable domain.Variable

	// RelativeOffset is the variable's address minus the group's start address.
	RelativeOffset int
}

// RequestGroup is one read request covering a contiguous address range and the
// variables decoded from its response.
type RequestGroup struct {
	Request
	UnitID  byte
	Members []GroupMember
}

// Start returns the first address of the group.
func (g *RequestGroup) Start() int { return int(g.Address) }

// End returns the first address after the group.
func (g *RequestGroup) End() int { return int(g.Address) + int(g.Quantity) }

// clone returns a copy with its own Response that shares the read-only members.
func (g *RequestGroup) clone() *RequestGroup {
	c := *g
	c.Response = nil
	return &c
}

// BuildRequestGroups packs variables into the minimum number of read requests.
//
// Variables are partitioned by function code and sorted by address (ties by
// ascending length, then id). A left-to-right scan extends the running group
// while the next variable starts within MaxGap of the group end and the
// extended group stays within the function code's maximum length.
func BuildRequestGroups(vars []domain.Variable, unitID byte, cfg GroupConfig) ([]*RequestGroup, error) {
	cfg = cfg.withDefaults()

	byFC := make(map[domain.FunctionCode][]domain.Variable)
	for _, v := range vars {
		if !v.FunctionCode.IsRead() {
			return nil, fmt.Errorf("%w: variable %s has function code %d",
				domain.ErrUnsupportedFunctionCode, v.ID, v.FunctionCode)
		}
		byFC[v.FunctionCode] = append(byFC[v.FunctionCode], v)
	}

	codes := make([]domain.FunctionCode, 0, len(byFC))
	for fc := range byFC {
		codes = append(codes, fc)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	groups := make([]*RequestGroup, 0, len(vars))
	for _, fc := range codes {
		fcGroups, err := groupPartition(fc, byFC[fc], unitID, cfg)
		if err != nil {
			return nil, err
		}
		groups = append(groups, fcGroups...)
	}
	return groups, nil
}

func groupPartition(fc domain.FunctionCode, vars []domain.Variable, unitID byte, cfg GroupConfig) ([]*RequestGroup, error) {
	limit := cfg.maxFor(fc)
	gap := int(cfg.MaxGap)

	sort.SliceStable(vars, func(i, j int) bool {
		if vars[i].Offset != vars[j].Offset {
			return vars[i].Offset < vars[j].Offset
		}
		if vars[i].Length != vars[j].Length {
			return vars[i].Length < vars[j].Length
		}
		return vars[i].ID < vars[j].ID
	})

	var (
		groups []*RequestGroup
		cur    []domain.Variable
		start  int
		end    int
	)

	flush := func() {
		if len(cur) == 0 {
			return
		}
		g := &RequestGroup{
			Request: Request{
				FunctionCode: fc,
				Address:      uint16(start),
				Quantity:     uint16(end - start),
			},
			UnitID:  unitID,
			Members: make([]GroupMember, 0, len(cur)),
		}
		for _, v := range cur {
			g.Members = append(g.Members, GroupMember{Variable: v, RelativeOffset: int(v.Offset) - start})
		}
		groups = append(groups, g)
		cur = nil
	}

	for _, v := range vars {
		length := int(v.Length)
		if length == 0 {
			length = int(v.ValueType.RegisterCount())
		}
		if length > limit {
			return nil, fmt.Errorf("%w: variable %s needs %d, %s allows %d",
				domain.ErrGrouping, v.ID, length, fc, limit)
		}
		vStart, vEnd := int(v.Offset), int(v.Offset)+length

		if len(cur) > 0 {
			newEnd := end
			if vEnd > newEnd {
				newEnd = vEnd
			}
			if vStart <= end+gap && newEnd-start <= limit {
				cur = append(cur, v)
				end = newEnd
				continue
			}
			// Splitting here would leave two requests reading the same registers.
			if vStart < end {
				return nil, fmt.Errorf("%w: variable %s overlaps [%d,%d) and would grow the request past %d",
					domain.ErrGrouping, v.ID, start, end, limit)
			}
			flush()
		}

		cur = append(cur, v)
		start, end = vStart, vEnd
	}
	flush()

	return groups, nil
}

// BuildBuckets groups variables by sample time and builds the request groups
// of every bucket.
func BuildBuckets(vars []domain.Variable, unitID byte, cfg GroupConfig) (map[int][]*RequestGroup, error) {
	bySample := make(map[int][]domain.Variable)
	for _, v := range vars {
		bySample[v.SampleTime] = append(bySample[v.SampleTime], v)
	}

	buckets := make(map[int][]*RequestGroup, len(bySample))
	for sampleTime, bucketVars := range bySample {
		groups, err := BuildRequestGroups(bucketVars, unitID, cfg)
		if err != nil {
			return nil, err
		}
		buckets[sampleTime] = groups
	}
	return buckets, nil
}

// ConvertRequestsToIDValuePair decodes every member of the executed groups from
// its group's response. Members that fail to decode are left out of the map and
// their errors are joined into the returned error.
func ConvertRequestsToIDValuePair(groups []*RequestGroup) (map[string]interface{}, error) {
	values := make(map[string]interface{})
	var errs []error

	for _, g := range groups {
		for _, m := range g.Members {
			v := m.Variable
			value, err := Decode(g.FunctionCode, g.Response, m.RelativeOffset, v.Length, v.ValueType, v.WordOrder)
			if err != nil {
				errs = append(errs, fmt.Errorf("variable %s: %w", v.ID, err))
				continue
			}
			values[v.ID] = value
		}
	}
	return values, errors.Join(errs...)
}
