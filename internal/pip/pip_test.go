package pip

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/opensandbox/pipagent/internal/pathtable"
	"github.com/opensandbox/pipagent/internal/rpc"
)

func sampleProcess(t *testing.T, table *pathtable.Table) *Process {
	t.Helper()
	return &Process{
		SemiStableHash:   0xBEEF,
		Description:      "compile c.txt",
		Executable:       FileArtifact{Path: table.MustIntern("/bin/sh")},
		Arguments:        []string{"-c", "cat a.txt b.txt > c.txt"},
		Environment:      []EnvVar{{Name: "LANG", Value: "C"}, {Name: "HOME", PassThrough: true}},
		WorkingDirectory: table.MustIntern("/src"),
		Dependencies: []FileArtifact{
			{Path: table.MustIntern("/src/a.txt")},
			{Path: table.MustIntern("/src/b.txt")},
		},
		DirectoryDependencies: []DirectoryArtifact{{Path: table.MustIntern("/src/lib"), SealID: 3}},
		FileOutputs:           []FileArtifact{{Path: table.MustIntern("/src/c.txt"), RewriteCount: 1}},
		DirectoryOutputs:      []DirectoryArtifact{{Path: table.MustIntern("/out/gen")}},
		Timeout:               90 * time.Second,
	}
}

func TestWireRoundTrip(t *testing.T) {
	clientTable := pathtable.New()
	proc := sampleProcess(t, clientTable)
	client := pathtable.NewExchange(clientTable)
	wire, err := ToWire(proc, client)
	if err != nil {
		t.Fatalf("ToWire: %v", err)
	}
	delta := client.Send()

	encoded, err := rpc.Marshal(wire)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded rpc.Process
	if err := rpc.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	serverTable := pathtable.New()
	server := pathtable.NewExchange(serverTable)
	if err := server.Receive(delta); err != nil {
		t.Fatalf("receive: %v", err)
	}
	got, err := FromWire(&decoded, server)
	if err != nil {
		t.Fatalf("FromWire: %v", err)
	}

	if s := serverTable.String(got.Executable.Path); s != "/bin/sh" {
		t.Errorf("expected executable /bin/sh, got %s", s)
	}
	if s := serverTable.String(got.WorkingDirectory); s != "/src" {
		t.Errorf("expected working directory /src, got %s", s)
	}
	var deps []string
	for _, d := range got.Dependencies {
		deps = append(deps, serverTable.String(d.Path))
	}
	if !reflect.DeepEqual(deps, []string{"/src/a.txt", "/src/b.txt"}) {
		t.Errorf("unexpected dependencies %v", deps)
	}
	if got.FileOutputs[0].RewriteCount != 1 || serverTable.String(got.FileOutputs[0].Path) != "/src/c.txt" {
		t.Errorf("unexpected output %+v", got.FileOutputs[0])
	}
	if got.DirectoryDependencies[0].SealID != 3 {
		t.Errorf("expected seal id 3, got %d", got.DirectoryDependencies[0].SealID)
	}
	if got.Timeout != 90*time.Second {
		t.Errorf("expected 90s timeout, got %s", got.Timeout)
	}
	if !reflect.DeepEqual(got.Environment, proc.Environment) {
		t.Errorf("expected environment %v, got %v", proc.Environment, got.Environment)
	}
}

func TestWireRoundTripWithoutWorkingDirectory(t *testing.T) {
	clientTable := pathtable.New()
	proc := &Process{
		Executable:  FileArtifact{Path: clientTable.MustIntern("/bin/true")},
		FileOutputs: []FileArtifact{{Path: clientTable.MustIntern("/out/x"), RewriteCount: 1}},
	}
	client := pathtable.NewExchange(clientTable)
	wire, err := ToWire(proc, client)
	if err != nil {
		t.Fatalf("ToWire: %v", err)
	}
	if wire.HasWorkingDirectory {
		t.Error("absent working directory sent as present")
	}

	serverTable := pathtable.New()
	server := pathtable.NewExchange(serverTable)
	if err := server.Receive(client.Send()); err != nil {
		t.Fatalf("receive: %v", err)
	}
	got, err := FromWire(wire, server)
	if err != nil {
		t.Fatalf("FromWire: %v", err)
	}
	if got.WorkingDirectory.IsValid() {
		t.Errorf("expected no working directory, got %s", serverTable.String(got.WorkingDirectory))
	}
	if s := serverTable.String(got.FileOutputs[0].Path); s != "/out/x" {
		t.Errorf("expected output /out/x, got %s", s)
	}
}

func TestToWireRefusesInvalidArtifact(t *testing.T) {
	table := pathtable.New()
	proc := &Process{
		Executable:   FileArtifact{Path: table.MustIntern("/bin/true")},
		Dependencies: []FileArtifact{{}},
	}
	if _, err := ToWire(proc, pathtable.NewExchange(table)); !errors.Is(err, pathtable.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestFromWireUnknownPath(t *testing.T) {
	x := pathtable.NewExchange(pathtable.New())
	_, err := FromWire(&rpc.Process{Executable: 7}, x)
	if !errors.Is(err, pathtable.ErrUnknownPortableID) {
		t.Fatalf("expected ErrUnknownPortableID, got %v", err)
	}
}

func TestResolveEnvironment(t *testing.T) {
	p := &Process{Environment: []EnvVar{
		{Name: "LANG", Value: "C"},
		{Name: "HOME", PassThrough: true},
		{Name: "MISSING", PassThrough: true},
	}}
	host := HostEnvironment([]string{"HOME=/home/build", "SECRET=x", "PATH=/bin"}, []string{"HOME", "PATH"})
	env := ResolveEnvironment(p, host)

	want := map[string]string{"LANG": "C", "HOME": "/home/build"}
	if !reflect.DeepEqual(env, want) {
		t.Errorf("expected %v, got %v", want, env)
	}
	if list := EnvList(env); !reflect.DeepEqual(list, []string{"HOME=/home/build", "LANG=C"}) {
		t.Errorf("unexpected env list %v", list)
	}
}

func TestArtifactVersions(t *testing.T) {
	a := FileArtifact{Path: 5}
	if a.IsOutput() {
		t.Error("source file should not be an output")
	}
	b := a.CreateNextWrittenVersion()
	if !b.IsOutput() || b.RewriteCount != 1 || b.Path != a.Path {
		t.Errorf("unexpected next version %+v", b)
	}
	if (&Process{}).EffectiveTimeout() != DefaultTimeout {
		t.Error("expected default timeout")
	}
	if got := FormatSemiStableHash(0xBEEF); got != "Pip000000000000BEEF" {
		t.Errorf("unexpected formatted hash %s", got)
	}
}
