package hwinfo

import (
	"reflect"
	"testing"

	"github.com/cockroachdb/errors"
)

type mapSettings map[string]bool

func (m mapSettings) GetBool(name string, def bool) bool {
	if v, ok := m[name]; ok {
		return v
	}
	return def
}

func TestFieldListsCoverEveryTableEntry(t *testing.T) {
	if got, want := len(FeatureFields()), reflect.TypeOf(FeatureTable{}).NumField(); got != want {
		t.Errorf("FeatureFields has %d entries, FeatureTable has %d fields", got, want)
	}
	if got, want := len(WorkaroundFields()), reflect.TypeOf(WorkaroundTable{}).NumField(); got != want {
		t.Errorf("WorkaroundFields has %d entries, WorkaroundTable has %d fields", got, want)
	}
}

func TestFieldNamesMatchStructFields(t *testing.T) {
	typ := reflect.TypeOf(FeatureTable{})
	for _, f := range FeatureFields() {
		if _, ok := typ.FieldByName(f.Name); !ok {
			t.Errorf("no FeatureTable field named %s", f.Name)
		}
	}
	typ = reflect.TypeOf(WorkaroundTable{})
	for _, f := range WorkaroundFields() {
		if _, ok := typ.FieldByName(f.Name); !ok {
			t.Errorf("no WorkaroundTable field named %s", f.Name)
		}
	}
}

func TestCopyFields(t *testing.T) {
	src := FeatureTable{FtrSVM: true, FtrCCSRing: true}
	var dst FeatureTable
	CopyFields(&dst, &src, FeatureFields())
	if dst != src {
		t.Errorf("copy = %+v, want %+v", dst, src)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	hw, err := ForGeneration(Gen12LP)
	if err != nil {
		t.Fatal(err)
	}
	c := hw.Clone()
	c.Features.FtrCCSRing = false
	if !hw.Features.FtrCCSRing {
		t.Error("modifying the clone changed the original")
	}

	again, _ := ForGeneration(Gen12LP)
	hw.Workarounds.WaPipeControlBeforeBatchEnd = false
	if !again.Workarounds.WaPipeControlBeforeBatchEnd {
		t.Error("ForGeneration returned shared state")
	}
}

func TestUnknownGeneration(t *testing.T) {
	_, err := ForGeneration("gen3")
	if !errors.Is(err, ErrUnknownGeneration) {
		t.Errorf("err = %v, want ErrUnknownGeneration", err)
	}
}

func TestConfigureAppliesOverrides(t *testing.T) {
	settings := mapSettings{
		"FTR_FTRBLITTERENGINE":           true,
		"WA_WASENDMIFLUSHBEFOREVFE":      false,
		"WA_WASTATEBASEADDRESSREPROGRAM": true,
		"FTR_SOMETHINGTHATDOESNOTEXIST":  true,
	}
	hw, err := Configure(Gen9, settings)
	if err != nil {
		t.Fatal(err)
	}
	if !hw.Features.FtrBlitterEngine {
		t.Error("feature override not applied")
	}
	if hw.Workarounds.WaSendMIFlushBeforeVFE {
		t.Error("workaround override not applied")
	}
	if !hw.Workarounds.WaStateBaseAddressReprogram {
		t.Error("unchanged workaround lost")
	}
}

func TestApplyOverridesReportsChanges(t *testing.T) {
	ft := FeatureTable{FtrSVM: true}
	changed := ApplyOverrides(&ft, FeatureFields(), mapSettings{"X_FTRSVM": true, "X_FTRPPGTT": true}, "X_")
	if !reflect.DeepEqual(changed, []string{"FtrPPGTT"}) {
		t.Errorf("changed = %v", changed)
	}
}

func TestEnabledSorted(t *testing.T) {
	hw, _ := ForGeneration(Gen9)
	got := Enabled(&hw.Features, FeatureFields())
	want := []string{"FtrL3IACoherency", "FtrPPGTT", "FtrSVM"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Enabled = %v, want %v", got, want)
	}
}

func TestEveryGenerationHasAProduct(t *testing.T) {
	for _, gen := range Generations() {
		hw, err := ForGeneration(gen)
		if err != nil {
			t.Errorf("%s: %v", gen, err)
			continue
		}
		if hw.Platform.Generation != gen {
			t.Errorf("%s: platform generation %s", gen, hw.Platform.Generation)
		}
		if hw.MaxHWThreads() == 0 {
			t.Errorf("%s: no hardware threads", gen)
		}
	}
}
