// Package agent contains the core orchestrator that runs one agent cycle:
// fetch data, analyze it into candidate signals, filter each signal through
// guardrails and execute the approved ones on-chain. It owns the domain types
// shared by strategies, the ledger and the scheduler, and the ports those
// collaborators implement.
package agent
