package identity

import "github.com/cespare/xxhash/v2"

// NumericID 把文本用户ID映射为传输层要求的非零 32 位整数 ID
// 结果落在 [1, 2^31-1]，同一输入永远得到同一输出
func NumericID(userID string) uint32 {
	h := xxhash.Sum64String(userID)
	id := uint32(h^(h>>32)) & 0x7fffffff
	if id == 0 {
		return 1
	}
	return id
}
