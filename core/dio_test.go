package core

import (
	"context"
	"testing"

	"trustmesh/internal/testutil"
)

type widget struct {
	Name  string
	Count int
}

func TestDaoGetSetRoundTrip(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	session := NewSession(SessionUser)
	c, err := OpenChain(ChainConfig{Dir: sb.Root, Key: "dao", Format: FormatMessagePack, Flags: OpenFlagsCreateDistributed()})
	if err != nil {
		t.Fatalf("OpenChain: %v", err)
	}
	defer c.Close()

	key, _ := NewPrimaryKey()
	dio := c.DIOMut(session, ScopeFull)
	dao := NewDao[widget](dio, FormatMessagePack)
	if err := dao.Set(key, widget{Name: "sprocket", Count: 3}, MetaAuthorization{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := dio.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	readDao := NewDao[widget](c.DIO(session), FormatMessagePack)
	got, err := readDao.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "sprocket" || got.Count != 3 {
		t.Fatalf("got %+v, want {sprocket 3}", got)
	}
}

func TestDaoVecPushAndIter(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	session := NewSession(SessionUser)
	c, err := OpenChain(ChainConfig{Dir: sb.Root, Key: "daovec", Format: FormatMessagePack, Flags: OpenFlagsCreateDistributed()})
	if err != nil {
		t.Fatalf("OpenChain: %v", err)
	}
	defer c.Close()

	parent, _ := NewPrimaryKey()
	childA, _ := NewPrimaryKey()
	childB, _ := NewPrimaryKey()

	dio := c.DIOMut(session, ScopeFull)
	vec := NewDaoVec[widget](dio, FormatMessagePack, "widgets", parent)
	if err := vec.Push(childA, widget{Name: "a"}, MetaAuthorization{}); err != nil {
		t.Fatalf("Push a: %v", err)
	}
	if err := vec.Push(childB, widget{Name: "b"}, MetaAuthorization{}); err != nil {
		t.Fatalf("Push b: %v", err)
	}
	if err := dio.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	readVec := NewDaoVec[widget](c.DIO(session), FormatMessagePack, "widgets", parent)
	kids := readVec.Iter(false)
	if len(kids) != 2 || kids[0] != childA || kids[1] != childB {
		t.Fatalf("Iter() = %v, want [childA childB]", kids)
	}
}

func TestDaoRefResolveAndDaoWeakMissing(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	session := NewSession(SessionUser)
	c, err := OpenChain(ChainConfig{Dir: sb.Root, Key: "daoref", Format: FormatMessagePack, Flags: OpenFlagsCreateDistributed()})
	if err != nil {
		t.Fatalf("OpenChain: %v", err)
	}
	defer c.Close()

	key, _ := NewPrimaryKey()
	dio := c.DIOMut(session, ScopeFull)
	dao := NewDao[widget](dio, FormatMessagePack)
	if err := dao.Set(key, widget{Name: "referenced"}, MetaAuthorization{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := dio.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	ref := NewDaoRef[widget](c.DIO(session), FormatMessagePack, key)
	got, err := ref.Resolve(context.Background())
	if err != nil || got.Name != "referenced" {
		t.Fatalf("Resolve: %+v %v", got, err)
	}

	missing, _ := NewPrimaryKey()
	weak := DaoWeak[widget]{Key: missing}
	if _, ok := weak.Resolve(context.Background(), c.DIO(session), FormatMessagePack); ok {
		t.Fatalf("DaoWeak.Resolve found a row that was never stored")
	}
}

func TestChainRegistryDaoForeign(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	session := NewSession(SessionUser)
	c, err := OpenChain(ChainConfig{Dir: sb.Root, Key: "daoforeign", Format: FormatMessagePack, Flags: OpenFlagsCreateDistributed()})
	if err != nil {
		t.Fatalf("OpenChain: %v", err)
	}
	defer c.Close()

	key, _ := NewPrimaryKey()
	dio := c.DIOMut(session, ScopeFull)
	dao := NewDao[widget](dio, FormatMessagePack)
	if err := dao.Set(key, widget{Name: "remote"}, MetaAuthorization{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := dio.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	registry := NewChainRegistry()
	registry.Register(ChainKey("daoforeign"), c)

	ref := DaoForeign[widget]{Chain: ChainKey("daoforeign"), Key: key}
	got, err := ref.Resolve(context.Background(), registry, session, FormatMessagePack)
	if err != nil || got.Name != "remote" {
		t.Fatalf("Resolve: %+v %v", got, err)
	}
}
