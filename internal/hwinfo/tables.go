package hwinfo

import (
	"sort"
	"strings"
)

// FeatureTable lists the capabilities a product supports
type FeatureTable struct {
	FtrPPGTT                   bool
	FtrSVM                     bool
	Ftr64KBPages               bool
	FtrLocalMemory             bool
	FtrL3IACoherency           bool
	FtrBlitterEngine           bool
	FtrCCSRing                 bool
	FtrRenderCompressedBuffers bool
	FtrMidThreadPreemption     bool
}

// WorkaroundTable lists the hardware workarounds a product needs
type WorkaroundTable struct {
	WaSendMIFlushBeforeVFE          bool
	WaStateBaseAddressReprogram     bool
	WaPipeControlBeforeBatchEnd     bool
	WaDisableLSQCROPERFforOCL       bool
	WaEnablePreemptionGranularity   bool
	WaForceCSStallOnEngineSwitch    bool
	WaRestrictFenceToCommandStreams bool
}

// Field maps a table entry name to its accessors. Tables are copied and
// overridden by walking their field lists, so adding an entry means adding
// one line to the list below it.
type Field[T any] struct {
	Name string
	Get  func(t *T) bool
	Set  func(t *T, v bool)
}

// FeatureFields returns the accessor list for FeatureTable
func FeatureFields() []Field[FeatureTable] {
	return []Field[FeatureTable]{
		{"FtrPPGTT", func(t *FeatureTable) bool { return t.FtrPPGTT }, func(t *FeatureTable, v bool) { t.FtrPPGTT = v }},
		{"FtrSVM", func(t *FeatureTable) bool { return t.FtrSVM }, func(t *FeatureTable, v bool) { t.FtrSVM = v }},
		{"Ftr64KBPages", func(t *FeatureTable) bool { return t.Ftr64KBPages }, func(t *FeatureTable, v bool) { t.Ftr64KBPages = v }},
		{"FtrLocalMemory", func(t *FeatureTable) bool { return t.FtrLocalMemory }, func(t *FeatureTable, v bool) { t.FtrLocalMemory = v }},
		{"FtrL3IACoherency", func(t *FeatureTable) bool { return t.FtrL3IACoherency }, func(t *FeatureTable, v bool) { t.FtrL3IACoherency = v }},
		{"FtrBlitterEngine", func(t *FeatureTable) bool { return t.FtrBlitterEngine }, func(t *FeatureTable, v bool) { t.FtrBlitterEngine = v }},
		{"FtrCCSRing", func(t *FeatureTable) bool { return t.FtrCCSRing }, func(t *FeatureTable, v bool) { t.FtrCCSRing = v }},
		{"FtrRenderCompressedBuffers", func(t *FeatureTable) bool { return t.FtrRenderCompressedBuffers }, func(t *FeatureTable, v bool) { t.FtrRenderCompressedBuffers = v }},
		{"FtrMidThreadPreemption", func(t *FeatureTable) bool { return t.FtrMidThreadPreemption }, func(t *FeatureTable, v bool) { t.FtrMidThreadPreemption = v }},
	}
}

// WorkaroundFields returns the accessor list for WorkaroundTable
func WorkaroundFields() []Field[WorkaroundTable] {
	return []Field[WorkaroundTable]{
		{"WaSendMIFlushBeforeVFE", func(t *WorkaroundTable) bool { return t.WaSendMIFlushBeforeVFE }, func(t *WorkaroundTable, v bool) { t.WaSendMIFlushBeforeVFE = v }},
		{"WaStateBaseAddressReprogram", func(t *WorkaroundTable) bool { return t.WaStateBaseAddressReprogram }, func(t *WorkaroundTable, v bool) { t.WaStateBaseAddressReprogram = v }},
		{"WaPipeControlBeforeBatchEnd", func(t *WorkaroundTable) bool { return t.WaPipeControlBeforeBatchEnd }, func(t *WorkaroundTable, v bool) { t.WaPipeControlBeforeBatchEnd = v }},
		{"WaDisableLSQCROPERFforOCL", func(t *WorkaroundTable) bool { return t.WaDisableLSQCROPERFforOCL }, func(t *WorkaroundTable, v bool) { t.WaDisableLSQCROPERFforOCL = v }},
		{"WaEnablePreemptionGranularity", func(t *WorkaroundTable) bool { return t.WaEnablePreemptionGranularity }, func(t *WorkaroundTable, v bool) { t.WaEnablePreemptionGranularity = v }},
		{"WaForceCSStallOnEngineSwitch", func(t *WorkaroundTable) bool { return t.WaForceCSStallOnEngineSwitch }, func(t *WorkaroundTable, v bool) { t.WaForceCSStallOnEngineSwitch = v }},
		{"WaRestrictFenceToCommandStreams", func(t *WorkaroundTable) bool { return t.WaRestrictFenceToCommandStreams }, func(t *WorkaroundTable, v bool) { t.WaRestrictFenceToCommandStreams = v }},
	}
}

// CopyFields copies every listed field from src to dst.
func CopyFields[T any](dst, src *T, fields []Field[T]) {
	for _, f := range fields {
		f.Set(dst, f.Get(src))
	}
}

// Enabled returns the names of the fields set in t, sorted.
func Enabled[T any](t *T, fields []Field[T]) []string {
	var names []string
	for _, f := range fields {
		if f.Get(t) {
			names = append(names, f.Name)
		}
	}
	sort.Strings(names)
	return names
}

// BoolSettings is the settings source overrides are read from.
type BoolSettings interface {
	GetBool(name string, def bool) bool
}

// ApplyOverrides replaces each field with the setting named prefix plus
// the upper-cased field name, keeping the current value as the default.
// It returns the names of the fields that changed.
func ApplyOverrides[T any](t *T, fields []Field[T], settings BoolSettings, prefix string) []string {
	var changed []string
	for _, f := range fields {
		cur := f.Get(t)
		v := settings.GetBool(prefix+strings.ToUpper(f.Name), cur)
		if v != cur {
			f.Set(t, v)
			changed = append(changed, f.Name)
		}
	}
	return changed
}
