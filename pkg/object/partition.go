package object

import (
	"github.com/5G-MAG/rt-libflute/pkg/tools"
)

// BlockPartitioning Block Partitioning Algorithm
// See <https://www.rfc-editor.org/rfc/rfc5052#section-9.1>
//
//   - b: Maximum Source Block Length，每个源块的最大符号数
//   - l: Transfer Length，字节
//   - e: Encoding Symbol Length，字节
//
// 返回 (aLarge, aSmall, nbALarge, nbBlocks)：
// 前 nbALarge 个块有 aLarge 个符号，其余块有 aSmall 个。
func BlockPartitioning(b, l, e uint64) (uint64, uint64, uint64, uint64) {
	if b == 0 || e == 0 || l == 0 {
		return 0, 0, 0, 0
	}

	t := tools.DivCeil(l, e)
	n := tools.DivCeil(t, b)

	aLarge := tools.DivCeil(t, n)
	aSmall := tools.DivFloor(t, n)
	nbALarge := t - aSmall*n
	return aLarge, aSmall, nbALarge, n
}
