package verify

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordWithFailures(t *testing.T) ImmutableRecord {
	t.Helper()
	cases := make([]string, 0, 50)
	for i := 0; i < 45; i++ {
		cases = append(cases, fmt.Sprintf(`{"id": "pass_%d", "outcome": "passed", "duration": 0.1}`, i))
	}
	for i := 0; i < 5; i++ {
		cases = append(cases, fmt.Sprintf(`{"id": "fail_%d", "outcome": "failed", "duration": 0.1, "error": "assert"}`, i))
	}
	input := []byte(`{"tests": [` + strings.Join(cases, ",") + `]}`)
	record, err := fixedBuilder().BuildFromJSON(input)
	require.NoError(t, err)
	require.Equal(t, 5, record.Facts.FailedCount)
	require.InDelta(t, 90.0, record.Facts.ExactSuccessRate, 1e-9)
	return record
}

func TestCheckClaimExactQuotationVerifies(t *testing.T) {
	record := recordWithFailures(t)
	claim := fmt.Sprintf("5 tests are failing. Success rate is 90.0%%. Deployment is BLOCKED. Hash: %s",
		record.Verification.Hash)
	result := CheckClaim(claim, record)
	assert.True(t, result.Verified)
	assert.Empty(t, result.Discrepancies)
	assert.Equal(t, 1.0, result.TrustScore)
}

func TestCheckClaimParaphraseIsFlagged(t *testing.T) {
	record := recordWithFailures(t)
	result := CheckClaim("Most tests are passing, about 90% success, safe to deploy", record)
	assert.False(t, result.Verified)
	require.GreaterOrEqual(t, len(result.Discrepancies), 3)

	kinds := map[string]bool{}
	for _, d := range result.Discrepancies {
		kinds[d.Kind] = true
	}
	assert.True(t, kinds[KindMissingFailureCount])
	assert.True(t, kinds[KindFalseDeploymentApproval])
	assert.True(t, kinds[KindMissingVerification])
	assert.Equal(t, SeverityCritical, result.MaxSeverity())
}

func TestCheckClaimTrustScoreFlatCost(t *testing.T) {
	record := recordWithFailures(t)
	// states the count and the rate but omits the hash: one discrepancy
	claim := "5 tests are failing, success rate 90.0%, deployment blocked"
	result := CheckClaim(claim, record)
	require.Len(t, result.Discrepancies, 1)
	assert.Equal(t, KindMissingVerification, result.Discrepancies[0].Kind)
	assert.InDelta(t, 0.8, result.TrustScore, 1e-9)
}

func TestCheckClaimTrustScoreFloorsAtZero(t *testing.T) {
	record := recordWithFailures(t)
	result := CheckClaim("everything is great, ready to deploy whenever", record)
	// deployment approval + three missing facts, but never negative
	assert.GreaterOrEqual(t, result.TrustScore, 0.0)
	assert.False(t, result.Verified)
}

func TestCheckClaimNoApprovalFlagWhenAllPassing(t *testing.T) {
	input := []byte(`{"tests": [{"id": "t", "outcome": "passed", "duration": 0.2}]}`)
	record, err := fixedBuilder().BuildFromJSON(input)
	require.NoError(t, err)
	claim := fmt.Sprintf("0 tests are failing. Success rate is 100.0%%. Safe to deploy. Hash: %s",
		record.Verification.Hash)
	result := CheckClaim(claim, record)
	assert.True(t, result.Verified, "approval phrases are fine when failed_count == 0")
}

func TestCheckClaimApprovalPhrasesCaseInsensitive(t *testing.T) {
	record := recordWithFailures(t)
	claim := fmt.Sprintf("5 failing, 90.0%% success, READY TO DEPLOY. Hash: %s", record.Verification.Hash)
	result := CheckClaim(claim, record)
	require.Len(t, result.Discrepancies, 1)
	assert.Equal(t, KindFalseDeploymentApproval, result.Discrepancies[0].Kind)
}

func TestPromptTemplateQuotesFrozenFacts(t *testing.T) {
	record := recordWithFailures(t)
	prompt := PromptTemplate(record)
	assert.Contains(t, prompt, "5 tests are failing")
	assert.Contains(t, prompt, "90.0%")
	assert.Contains(t, prompt, record.Verification.Hash)
	assert.Contains(t, prompt, "BLOCKED")
}
