package gdt

import "testing"

func TestBootTableLayout(t *testing.T) {
	t.Parallel()

	tbl := Boot()

	if tbl[NullSegment] != 0 {
		t.Fatalf("null descriptor = %#x, want 0", uint64(tbl[NullSegment]))
	}

	code := tbl[CodeSegment]
	if !code.present() || !code.executable() || !code.longMode() {
		t.Fatalf("code descriptor %#x: want present, executable, long mode", uint64(code))
	}

	data := tbl[DataSegment]
	if !data.present() || data.executable() {
		t.Fatalf("data descriptor %#x: want present, non-executable", uint64(data))
	}
}

func TestBytesLength(t *testing.T) {
	t.Parallel()

	b := Boot().Bytes()
	if len(b) != 24 {
		t.Fatalf("len(Bytes()) = %d, want 24", len(b))
	}
}

func TestSegmentProjection(t *testing.T) {
	t.Parallel()

	tbl := Boot()
	cs := tbl[CodeSegment].Segment(CodeSelector)

	if cs.Selector != CodeSelector {
		t.Fatalf("cs.Selector = %d, want %d", cs.Selector, CodeSelector)
	}

	if cs.Present != 1 || cs.L != 1 || cs.S != 1 {
		t.Fatalf("cs segment %+v: want present, long mode, code/data type", cs)
	}

	ds := tbl[DataSegment].Segment(DataSelector)
	if ds.G != 1 || ds.Limit != 0xffffffff {
		t.Fatalf("ds segment %+v: want 4KiB granularity, full limit", ds)
	}
}
