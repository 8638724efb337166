// Package main is the generic agent-process entry point: it resolves a
// mesh configuration (which agents run in this process, and with which
// identities), then runs each one to completion under public/agent.Agent.
//
// There is no separate broker process here (internal/transport's Hub is
// in-process), so "deploying agents" means starting each one as a
// goroutine sharing the same Hub, not spawning child processes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tenzoki/agenmesh/internal/transport"
	"github.com/tenzoki/agenmesh/public/agent"
)

// MeshConfig lists every agent this process runs, sharing one in-process
// Hub so they can actually reach each other's input/status topics.
type MeshConfig struct {
	Agents []AgentSpec `yaml:"agents"`
}

// AgentSpec is one agent's identity within the mesh. Tool registration and
// LLM wiring are Go-level concerns (a YAML file cannot describe Go
// closures), so a mesh launched purely from this binary runs v1-style
// mechanical agents; embedding code that needs reasoning/tool agents
// should call public/agent.New directly instead of going through main.
type AgentSpec struct {
	AgentID       string `yaml:"agent_id"`
	AgentType     string `yaml:"agent_type"`
	BrokerAddress string `yaml:"broker_address"`
}

func main() {
	configFlag := flag.String("config", "", "path to mesh.yaml (default: config/mesh.yaml)")
	agentIDFlag := flag.String("agent-id", "", "run a single agent with this id instead of a mesh file")
	agentTypeFlag := flag.String("agent-type", "generic", "agent type when -agent-id is used")
	logDirFlag := flag.String("log-dir", "logs", "directory for session log files")
	flag.Parse()

	mesh, source := loadMesh(*configFlag, *agentIDFlag, *agentTypeFlag)
	log.Printf("starting agenmesh using %s", source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewHub()

	var wg sync.WaitGroup
	for _, spec := range mesh.Agents {
		spec := spec
		a, err := agent.New(agent.Options{
			AgentType:     spec.AgentType,
			AgentID:       spec.AgentID,
			BrokerAddress: spec.BrokerAddress,
			LogDir:        *logDirFlag,
			Hub:           hub,
		})
		if err != nil {
			log.Printf("failed to construct agent %q: %v", spec.AgentID, err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Run(ctx); err != nil {
				log.Printf("agent %q exited with error: %v", spec.AgentID, err)
			}
		}()
	}

	log.Printf("agenmesh running %d agent(s), pid %d", len(mesh.Agents), os.Getpid())
	wg.Wait()
	log.Printf("agenmesh stopped")
}

func loadMesh(configFlag, agentIDFlag, agentTypeFlag string) (MeshConfig, string) {
	if agentIDFlag != "" {
		return MeshConfig{Agents: []AgentSpec{{AgentID: agentIDFlag, AgentType: agentTypeFlag}}},
			fmt.Sprintf("single agent from -agent-id=%s", agentIDFlag)
	}

	path := configFlag
	if path == "" {
		path = "config/mesh.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("no mesh config at %s (%v); falling back to a single default agent", path, err)
		return MeshConfig{Agents: []AgentSpec{{AgentID: "agent-default", AgentType: "generic"}}},
			"hardcoded default (no mesh file found)"
	}

	var mesh MeshConfig
	if err := yaml.Unmarshal(data, &mesh); err != nil {
		log.Fatalf("failed to parse mesh config %s: %v", path, err)
	}
	if len(mesh.Agents) == 0 {
		log.Fatalf("mesh config %s lists no agents", path)
	}
	return mesh, fmt.Sprintf("mesh config: %s", path)
}
