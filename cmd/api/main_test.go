package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"dealflow/auth"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()
	want := map[string]bool{"serve": false, "migrate": false, "reconcile": false, "token": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %s not registered", name)
		}
	}
	serve, _, err := root.Find([]string{"serve"})
	if err != nil {
		t.Fatal(err)
	}
	if serve.Flags().Lookup("memory") == nil {
		t.Errorf("serve has no --memory flag")
	}
}

func TestTokenCmd_IssuesVerifiableToken(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "cli-secret")

	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token", "agent-7", "--kind", "agent"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	svc, err := auth.NewService("cli-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	id, err := svc.VerifyToken(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "agent-7" || id.Kind != auth.KindAgent {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestTokenCmd_RequiresSecret(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")

	root := rootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"token", "investor-1"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected an error without a signing secret")
	}
}
