package domain

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnstakedPositionCarriesNoVault(t *testing.T) {
	p := Position{ID: 3, InfusedAmount: big.NewInt(10), Stake: Unstaked()}
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stake":{"kind":"none"}`)

	p.Stake = StakedIn(common.HexToAddress("0xfa11"))
	data, err = json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stake":{"kind":"vault","vault":"0x000000000000000000000000000000000000fa11"}`)

	var back Position
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, p.Stake, back.Stake)
}

func TestAmountsEncodeAsDecimalStrings(t *testing.T) {
	big24, ok := new(big.Int).SetString("1000000000000000000000001", 10)
	require.True(t, ok)

	v := VaultState{Name: "sETH Vault", TotalShares: big.NewInt(10), TotalAssets: big24}
	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"total_assets":"1000000000000000000000001"`)
	assert.Contains(t, string(data), `"total_shares":"10"`)
	assert.Contains(t, string(data), `"name":"sETH Vault"`)

	var back VaultState
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 0, big24.Cmp(back.TotalAssets))
	assert.Equal(t, "sETH Vault", back.Name)

	ev := NewEvent(EventYieldHarvested, 0)
	data, err = json.Marshal(ev)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"amount"`, "nil amounts stay omitted")

	ev.Amount = big24
	data, err = json.Marshal(ev)
	require.NoError(t, err)
	var evBack Event
	require.NoError(t, json.Unmarshal(data, &evBack))
	assert.Equal(t, ev.ID, evBack.ID)
	assert.Equal(t, 0, big24.Cmp(evBack.Amount))
	assert.Nil(t, evBack.Shares)
}

func TestDecimalAcceptsBareNumbers(t *testing.T) {
	var e ShareEntry
	require.NoError(t, json.Unmarshal([]byte(`{"position_id":1,"shares":42}`), &e))
	assert.Equal(t, "42", e.Shares.String())

	err := json.Unmarshal([]byte(`{"shares":"4.2"}`), &e)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
