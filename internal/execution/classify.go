package execution

import (
	"context"
	"errors"
	"strings"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/web3"
)

var patterns = []struct {
	code    xerrors.Code
	needles []string
}{
	{xerrors.CodeInsufficientGas, []string{"insufficient funds for gas", "insufficient funds for intrinsic"}},
	{xerrors.CodeReverted, []string{"revert", "slippage", "status 0", "insufficient_output_amount", "too little received"}},
	{xerrors.CodeNonceConflict, []string{"nonce too low", "replacement transaction underpriced", "already known"}},
	{xerrors.CodeRPCTimeout, []string{"deadline", "timeout", "timed out"}},
}

// Classify 把链上或签名服务返回的原始错误归类为错误码。已带错误码的错误原样返回其错误码。
func Classify(err error) xerrors.Code {
	if err == nil {
		return ""
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeUnknown {
		return code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.CodeRPCTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		for _, needle := range p.needles {
			if strings.Contains(msg, needle) {
				return p.code
			}
		}
	}
	return xerrors.CodeExecutorFailure
}

func isHysteresis(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "hysteresis")
}

func observeSubmission(kind web3.CallKind, status string) {
	metrics.ObserveSubmission(string(kind), status)
}
