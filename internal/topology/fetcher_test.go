package topology

import "testing"

func TestParseComponent(t *testing.T) {
	key := "/topology/tidb/10.0.0.1:4000/info"
	value := []byte(`{"status_port": 10080}`)

	c, ok := parseComponent(TiDB, "/topology/tidb/", key, value)
	if !ok {
		t.Fatal("expected parseComponent to succeed")
	}
	if c.Host != "10.0.0.1" || c.PrimaryPort != 4000 || c.SecondaryPort != 10080 || c.InstanceType != TiDB {
		t.Errorf("parsed component = %+v, unexpected", c)
	}
}

func TestParseComponent_RejectsMalformedAddress(t *testing.T) {
	if _, ok := parseComponent(TiDB, "/topology/tidb/", "/topology/tidb/not-an-address/info", []byte(`{}`)); ok {
		t.Error("expected parseComponent to reject an address without a port")
	}
}

func TestParseComponent_RejectsMalformedJSON(t *testing.T) {
	key := "/topology/tidb/10.0.0.1:4000/info"
	if _, ok := parseComponent(TiDB, "/topology/tidb/", key, []byte("not json")); ok {
		t.Error("expected parseComponent to reject malformed JSON value")
	}
}

func TestAddr(t *testing.T) {
	c := Component{Host: "10.0.0.1", PrimaryPort: 4000}
	if got := Addr(c); got != "10.0.0.1:4000" {
		t.Errorf("Addr() = %q, want 10.0.0.1:4000", got)
	}
}
