package main

import (
	"reflect"
	"testing"
)

func TestParseSeed(t *testing.T) {
	id, kind, members, err := parseSeed("c1:direct:alice, bob")
	if err != nil {
		t.Fatal(err)
	}
	if id != "c1" || kind != "direct" || !reflect.DeepEqual(members, []string{"alice", "bob"}) {
		t.Fatalf("got %q %q %v", id, kind, members)
	}

	_, _, members, err = parseSeed("g1:group:a,,b,")
	if err != nil || !reflect.DeepEqual(members, []string{"a", "b"}) {
		t.Fatalf("members %v err %v", members, err)
	}

	for _, bad := range []string{"", "c1", "c1:direct", ":direct:a,b", "c1:direct:"} {
		if _, _, _, err := parseSeed(bad); err == nil {
			t.Errorf("parseSeed(%q) should fail", bad)
		}
	}
}
