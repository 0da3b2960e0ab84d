package sparse

import (
	"reflect"
	"testing"
)

func TestAnalyze_DataOnlyDriver(t *testing.T) {
	// Driver reports only data ranges, gaps are implicit zeroes
	entries := []MapEntry{
		{Start: 0, Length: 4096, Data: true},
		{Start: 65536, Length: 8192, Data: true},
	}

	extents, err := Analyze(entries, 131072)
	if err != nil {
		t.Fatal(err)
	}

	want := []Extent{
		{Offset: 0, Length: 4096, Data: true},
		{Offset: 4096, Length: 61440},
		{Offset: 65536, Length: 8192, Data: true},
		{Offset: 73728, Length: 57344},
	}

	if !reflect.DeepEqual(extents, want) {
		t.Fatalf("got %v instead of %v", extents, want)
	}
}

func TestAnalyze_ExplicitZeroDriver(t *testing.T) {
	entries := []MapEntry{
		{Start: 0, Length: 4096, Data: true},
		{Start: 4096, Length: 4096, Data: true, Zero: true},
		{Start: 8192, Length: 4096, Zero: true},
		{Start: 12288, Length: 4096, Data: true},
	}

	extents, err := Analyze(entries, 16384)
	if err != nil {
		t.Fatal(err)
	}

	want := []Extent{
		{Offset: 0, Length: 4096, Data: true},
		{Offset: 4096, Length: 8192},
		{Offset: 12288, Length: 4096, Data: true},
	}

	if !reflect.DeepEqual(extents, want) {
		t.Fatalf("got %v instead of %v", extents, want)
	}
}

func TestAnalyze_Invalid(t *testing.T) {
	if _, err := Analyze([]MapEntry{{Start: 0, Length: 0}}, 4096); !IsAnalysisError(err) {
		t.Fatalf("[1] got %v instead of analysis error", err)
	}

	overlapping := []MapEntry{
		{Start: 0, Length: 8192, Data: true},
		{Start: 4096, Length: 4096, Data: true},
	}
	if _, err := Analyze(overlapping, 16384); !IsAnalysisError(err) {
		t.Fatalf("[2] got %v instead of analysis error", err)
	}

	if _, err := Analyze([]MapEntry{{Start: 0, Length: 8192, Data: true}}, 4096); !IsAnalysisError(err) {
		t.Fatalf("[3] got %v instead of analysis error", err)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	entries := []MapEntry{
		{Start: 0, Length: 4096, Data: true},
		{Start: 4096, Length: 4096, Data: true},
		{Start: 16384, Length: 4096, Data: true},
	}

	first, err := Analyze(entries, 32768)
	if err != nil {
		t.Fatal(err)
	}

	// No two consecutive extents may share the same tag
	for i := 1; i < len(first); i++ {
		if first[i].Data == first[i-1].Data {
			t.Fatalf("extents %d and %d share tag %v", i-1, i, first[i].Data)
		}
	}

	second := Merge(first)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("merge is not idempotent: %v != %v", first, second)
	}
}

func TestTransferPlan_DataBytesBound(t *testing.T) {
	extents := []Extent{
		{Offset: 0, Length: 4096, Data: true},
		{Offset: 4096, Length: 61440},
		{Offset: 65536, Length: 65536, Data: true},
	}

	plan, err := NewTransferPlan(extents, 131072)
	if err != nil {
		t.Fatal(err)
	}

	if plan.DataBytes != 69632 {
		t.Fatalf("got %d data bytes instead of 69632", plan.DataBytes)
	}
	if plan.DataBytes > plan.VirtualSize {
		t.Fatalf("data bytes %d exceed virtual size %d", plan.DataBytes, plan.VirtualSize)
	}

	// Fully allocated disk: equality
	full, err := NewTransferPlan([]Extent{{Offset: 0, Length: 131072, Data: true}}, 131072)
	if err != nil {
		t.Fatal(err)
	}
	if full.DataBytes != full.VirtualSize {
		t.Fatalf("got %d data bytes instead of %d", full.DataBytes, full.VirtualSize)
	}
}

func TestTransferPlan_Invalid(t *testing.T) {
	if _, err := NewTransferPlan([]Extent{{Offset: 0, Length: 0, Data: true}}, 4096); !IsAnalysisError(err) {
		t.Fatalf("[1] got %v instead of analysis error", err)
	}

	unsorted := []Extent{
		{Offset: 4096, Length: 4096, Data: true},
		{Offset: 0, Length: 4096, Data: true},
	}
	if _, err := NewTransferPlan(unsorted, 16384); !IsAnalysisError(err) {
		t.Fatalf("[2] got %v instead of analysis error", err)
	}
}

func TestTransferPlan_AllZeroDisk(t *testing.T) {
	plan, err := NewTransferPlan([]Extent{{Offset: 0, Length: 1 << 30}}, 1<<30)
	if err != nil {
		t.Fatal(err)
	}

	if len(plan.Extents) != 0 {
		t.Fatalf("got %d extents instead of 0", len(plan.Extents))
	}
	if plan.DataBytes != 0 {
		t.Fatalf("got %d data bytes instead of 0", plan.DataBytes)
	}
	if plan.SavingsRatio() != 1 {
		t.Fatalf("got savings ratio %f instead of 1", plan.SavingsRatio())
	}
}

func TestTransferPlan_TinyDataOnHugeDisk(t *testing.T) {
	// 64 KiB of data at the start of a 1 TB disk
	const virtualSize = 1000000000000

	extents, err := Analyze([]MapEntry{{Start: 0, Length: 65536, Data: true}}, virtualSize)
	if err != nil {
		t.Fatal(err)
	}

	plan, err := NewTransferPlan(extents, virtualSize)
	if err != nil {
		t.Fatal(err)
	}

	if len(plan.Extents) != 1 {
		t.Fatalf("got %d data extents instead of 1", len(plan.Extents))
	}
	if plan.Extents[0].Length != 65536 {
		t.Fatalf("got data extent of %d bytes instead of 65536", plan.Extents[0].Length)
	}
	if plan.DataBytes != 65536 {
		t.Fatalf("got %d data bytes instead of 65536", plan.DataBytes)
	}
}

func TestFullPlan(t *testing.T) {
	plan := FullPlan(1 << 20)

	if len(plan.Extents) != 1 || plan.DataBytes != 1<<20 {
		t.Fatalf("unexpected fallback plan: %+v", plan)
	}

	if empty := FullPlan(0); len(empty.Extents) != 0 {
		t.Fatalf("unexpected fallback plan for empty disk: %+v", empty)
	}
}
