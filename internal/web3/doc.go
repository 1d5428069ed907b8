// Package web3 houses blockchain connectivity for the execution engine: the
// chain read/write ports, ABI encoders for the ERC-20, router and ERC-4626
// contracts the engine calls, and multi-chain configuration helpers.
// Concrete clients live in subpackages; private keys never enter this process
// and every write goes through an external signing service.
package web3
