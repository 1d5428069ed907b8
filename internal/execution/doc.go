// Package execution turns an approved signal into confirmed on-chain
// transactions. Swaps are funded from stablecoins in priority order and routed
// hop by hop through the configured router; vault entries and exits go through
// ERC-4626 deposit and redeem. Every submission waits for its receipt and a
// reverted receipt fails the signal.
package execution
