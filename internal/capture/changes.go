package capture

// action is what reconciliation has to do for a same-method settings change
type action int

const (
	actionNone action = iota
	actionRebind
	actionReopen
)

func (a action) String() string {
	switch a {
	case actionRebind:
		return "rebind"
	case actionReopen:
		return "reopen"
	default:
		return "none"
	}
}

type field struct {
	name    string
	changed func(a, b Settings) bool
}

var (
	fieldRegion = field{"region", func(a, b Settings) bool {
		return a.RegionWidth != b.RegionWidth || a.RegionHeight != b.RegionHeight
	}}
	fieldOffset = field{"offset", func(a, b Settings) bool {
		return a.OffsetX != b.OffsetX || a.OffsetY != b.OffsetY
	}}
	fieldCustomRegion = field{"custom_region", func(a, b Settings) bool {
		if a.CustomRegion == nil || b.CustomRegion == nil {
			return a.CustomRegion != b.CustomRegion
		}
		return *a.CustomRegion != *b.CustomRegion
	}}
	fieldFPS = field{"fps", func(a, b Settings) bool {
		return a.TargetFPS != b.TargetFPS
	}}
	fieldDevice = field{"device", func(a, b Settings) bool {
		return a.DeviceIndex != b.DeviceIndex || a.OutputIndex != b.OutputIndex
	}}
	fieldDuplicationSource = field{"source", func(a, b Settings) bool {
		return a.DuplicationSource != b.DuplicationSource
	}}
	fieldBufferLen = field{"buffer_len", func(a, b Settings) bool {
		return a.BufferLen != b.BufferLen
	}}
	fieldCamera = field{"camera", func(a, b Settings) bool {
		return a.CameraID != b.CameraID || a.CameraAPI != b.CameraAPI || a.ProbeLimit != b.ProbeLimit
	}}
	fieldGrabDriver = field{"driver", func(a, b Settings) bool {
		return a.GrabDriver != b.GrabDriver
	}}
)

// changeSet lists the fields that matter for one method
type changeSet struct {
	reopen []field
	rebind []field
}

var changeTable = map[Method]changeSet{
	MethodDuplication: {
		reopen: []field{fieldRegion, fieldOffset, fieldCustomRegion, fieldFPS, fieldDevice, fieldDuplicationSource, fieldBufferLen},
	},
	MethodVirtualCamera: {
		reopen: []field{fieldRegion, fieldFPS, fieldCamera},
	},
	MethodRegionGrab: {
		reopen: []field{fieldGrabDriver},
		rebind: []field{fieldRegion, fieldOffset, fieldCustomRegion},
	},
}

// diffSettings decides how to move a live handle of method m from applied
// to desired, and names the fields that changed.
func diffSettings(m Method, applied, desired Settings) (action, []string) {
	set := changeTable[m]
	var changed []string

	result := actionNone
	for _, f := range set.reopen {
		if f.changed(applied, desired) {
			changed = append(changed, f.name)
			result = actionReopen
		}
	}
	for _, f := range set.rebind {
		if f.changed(applied, desired) {
			changed = append(changed, f.name)
			if result == actionNone {
				result = actionRebind
			}
		}
	}
	return result, changed
}
