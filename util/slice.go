package util

import (
	"math/rand"
)

func Shuffle(in []int) {
	rand.Shuffle(len(in), func(i, j int) {
		in[i], in[j] = in[j], in[i]
	})
}
