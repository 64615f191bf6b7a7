package market

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	ray         = mustBigInt("1000000000000000000000000000") // 1e27 precision
	halfRay     = new(big.Int).Rsh(ray, 1)

	// Field-width ceilings preserved from the packed storage layout of the
	// original contract record. Exceeding a ceiling is an overflow.
	maxUint104 = maxUint(104)
	maxUint112 = maxUint(112)
	maxUint128 = maxUint(128)
)

const secondsPerYear = 31_536_000

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func maxUint(bits uint) *big.Int {
	v := new(big.Int).Lsh(big.NewInt(1), bits)
	return v.Sub(v, big.NewInt(1))
}

func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfRay)
	product.Quo(product, ray)
	return product
}

func rayDiv(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, ray)
	numerator.Add(numerator, halfUp(b))
	numerator.Quo(numerator, b)
	return numerator
}

// annualBipsToRayPerSecond converts an annualized basis-point rate into a
// per-second ray rate: bips * RAY / (10000 * secondsPerYear).
func annualBipsToRayPerSecond(bips uint64) *big.Int {
	if bips == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(ray, new(big.Int).SetUint64(bips))
	den := new(big.Int).Mul(basisPoints, big.NewInt(secondsPerYear))
	return num.Quo(num, den)
}

// mulBips applies a basis-point fraction to x, truncating toward zero.
func mulBips(x *big.Int, bips uint64) *big.Int {
	if x == nil || x.Sign() == 0 || bips == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(x, new(big.Int).SetUint64(bips))
	return out.Quo(out, basisPoints)
}

// satSub returns max(0, a - b).
func satSub(a, b *big.Int) *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	if b == nil {
		return new(big.Int).Set(a)
	}
	out := new(big.Int).Sub(a, b)
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// fits reports whether v is a non-negative integer within the given ceiling.
func fits(v, ceiling *big.Int) bool {
	if v == nil {
		return true
	}
	return v.Sign() >= 0 && v.Cmp(ceiling) <= 0
}

func halfUp(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return big.NewInt(0)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	half.Rsh(half, 1)
	return half
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
