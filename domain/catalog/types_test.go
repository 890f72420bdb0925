package catalog

import "testing"

func TestNormalizeTableName(t *testing.T) {
	cases := []struct {
		raw     string
		want    string
		changed bool
	}{
		{"good_name", "good_name", false},
		{"1bad-name", "t_1bad_name", true},
		{"Already_Fine_2", "Already_Fine_2", false},
		{"", "t_", true},
	}
	for _, tc := range cases {
		got, changed := NormalizeTableName(tc.raw)
		if got != tc.want || changed != tc.changed {
			t.Fatalf("NormalizeTableName(%q) = (%q, %v), want (%q, %v)", tc.raw, got, changed, tc.want, tc.changed)
		}
	}
}

func TestComputeMappingHealth(t *testing.T) {
	required := []string{"r_current", "voltage"}

	if got := ComputeMappingHealth(nil, required); got != MappingUnmapped {
		t.Fatalf("expected unmapped with no rows, got %s", got)
	}

	partial := []MappingRow{{FieldKey: "r_current", Protocol: ProtocolOPCUA, Address: "ns=2;s=Tag1"}}
	if got := ComputeMappingHealth(partial, required); got != MappingPartial {
		t.Fatalf("expected partial, got %s", got)
	}

	complete := []MappingRow{
		{FieldKey: "r_current", Protocol: ProtocolOPCUA, Address: "ns=2;s=Tag1"},
		{FieldKey: "voltage", Protocol: ProtocolModbus, Address: "40001", DataType: "float32"},
	}
	if got := ComputeMappingHealth(complete, required); got != MappingMapped {
		t.Fatalf("expected mapped, got %s", got)
	}

	invalidModbus := []MappingRow{
		{FieldKey: "r_current", Protocol: ProtocolModbus, Address: "40001"}, // missing data_type
		{FieldKey: "voltage", Protocol: ProtocolModbus, Address: "40002", DataType: "float32"},
	}
	if got := ComputeMappingHealth(invalidModbus, required); got != MappingPartial {
		t.Fatalf("expected partial with invalid modbus row, got %s", got)
	}
}

func TestValidFieldKey(t *testing.T) {
	valid := []string{"r_current", "_hidden", "voltage2"}
	invalid := []string{"2bad", "bad-key", "bad key", ""}
	for _, k := range valid {
		if !ValidFieldKey(k) {
			t.Fatalf("expected %q to be a valid field key", k)
		}
	}
	for _, k := range invalid {
		if ValidFieldKey(k) {
			t.Fatalf("expected %q to be an invalid field key", k)
		}
	}
}

func TestValidPorts(t *testing.T) {
	if !ValidPorts([]int{502, 4840}) {
		t.Fatalf("expected valid distinct ports")
	}
	if ValidPorts([]int{0, 502}) {
		t.Fatalf("expected port 0 to be invalid")
	}
	if ValidPorts([]int{70000}) {
		t.Fatalf("expected port >65535 to be invalid")
	}
	if ValidPorts([]int{502, 502}) {
		t.Fatalf("expected duplicate ports to be invalid")
	}
}
