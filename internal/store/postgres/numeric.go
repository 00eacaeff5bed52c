package postgres

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Amounts travel as decimal text (::text on read, ::numeric on write) so
// NUMERIC(78,0) values keep full precision without float conversion.

func amountParam(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func nullableAmountParam(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: bad numeric %q", s)
	}
	return v, nil
}

func parseNullableAmount(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	return parseAmount(*s)
}

func addrParam(a common.Address) string {
	return a.Hex()
}
