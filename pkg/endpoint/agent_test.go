package endpoint

import (
	"context"
	"slices"
	"testing"

	"github.com/opst/chiltepin/pkg/cmdexec"
	"github.com/opst/chiltepin/pkg/cmdexec/mocks"
)

func TestParseList(t *testing.T) {
	out := `
+--------------------------------------+--------------+---------------+
| Endpoint ID                          | Status       | Endpoint Name |
+======================================+==============+===============+
| 6f1d3c44-0b53-4bd6-a0b7-3e6c7f0c9e10 | Running      | hera          |
+--------------------------------------+--------------+---------------+
| 0a4c5b7e-31f0-4f7c-9a53-b2b8d3c1e2aa | Stopped      | ursa          |
+--------------------------------------+--------------+---------------+
| None                                 | Initialized  | new           |
+--------------------------------------+--------------+---------------+
| 9d9b1e5c-2c15-4a36-8c0f-5b4e3f2d1c0b | Disconnected | lost          |
+--------------------------------------+--------------+---------------+
`
	actual := parseList(out)
	expected := map[string]Info{
		"hera": {UUID: "6f1d3c44-0b53-4bd6-a0b7-3e6c7f0c9e10", State: Running},
		"ursa": {UUID: "0a4c5b7e-31f0-4f7c-9a53-b2b8d3c1e2aa", State: Stopped},
		"new":  {UUID: "", State: Initialized},
		"lost": {UUID: "9d9b1e5c-2c15-4a36-8c0f-5b4e3f2d1c0b", State: Unknown},
	}
	if len(actual) != len(expected) {
		t.Fatalf("expected %+v, actual %+v", expected, actual)
	}
	for name, info := range expected {
		if actual[name] != info {
			t.Errorf("%s: expected %+v, actual %+v", name, info, actual[name])
		}
	}
}

func TestCLIArgs(t *testing.T) {
	runner := mocks.NewRunner()
	runner.Impl.Run = func(context.Context, string, ...string) (cmdexec.Result, error) {
		return cmdexec.Result{}, nil
	}
	c := &CLI{Path: "agent", Runner: runner}
	ctx := context.Background()

	if err := c.Configure(ctx, "/etc/endpoints", "ep", true); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(ctx, "/etc/endpoints", "ep"); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, "", "ep"); err != nil {
		t.Fatal(err)
	}

	expected := []mocks.Call{
		{Name: "agent", Args: []string{"-c", "/etc/endpoints", "configure", "--multi-user", "ep"}},
		{Name: "agent", Args: []string{"-c", "/etc/endpoints", "stop", "ep"}},
		{Name: "agent", Args: []string{"delete", "--yes", "ep"}},
	}
	calls := runner.Calls()
	if !slices.EqualFunc(calls, expected, func(a, b mocks.Call) bool {
		return a.Name == b.Name && slices.Equal(a.Args, b.Args)
	}) {
		t.Errorf("expected %+v, actual %+v", expected, calls)
	}
}
