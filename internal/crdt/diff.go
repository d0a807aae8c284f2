package crdt

type edit struct {
	loc int
	ch  rune
	add bool
}

// create a diff between two rune slices
// returns list of edits to change s1 into s2,
// in increasing location order
func diff(s1, s2 []rune) []edit {
	dp := make([][]int, len(s1)+1)
	dp[0] = make([]int, len(s2)+1)

	// DP to calculate diff
	for j := 0; j < len(s2)+1; j++ {
		dp[0][j] = j
	}

	for i := 1; i < len(s1)+1; i++ {
		dp[i] = make([]int, len(s2)+1)
		dp[i][0] = i

		for j := 1; j < len(s2)+1; j++ {
			dp[i][j] = min(dp[i][j-1], dp[i-1][j]) + 1

			if s1[i-1] == s2[j-1] && dp[i-1][j-1] < dp[i][j] {
				dp[i][j] = dp[i-1][j-1]
			}
		}
	}

	i := len(s1)
	j := len(s2)

	res := []edit{}

	// collect diff into slice
	for i > 0 || j > 0 {
		if i == 0 {
			res = append(res, edit{add: true, loc: i, ch: s2[j-1]})
			j--
		} else if j == 0 {
			res = append(res, edit{add: false, loc: i - 1, ch: s1[i-1]})
			i--
		} else {
			if s1[i-1] == s2[j-1] && dp[i][j] == dp[i-1][j-1] {
				i--
				j--
			} else if dp[i][j] == dp[i][j-1]+1 {
				// add s2[j-1]
				res = append(res, edit{add: true, loc: i, ch: s2[j-1]})
				j--
			} else {
				// delete s1[i-1]
				res = append(res, edit{add: false, loc: i - 1, ch: s1[i-1]})
				i--
			}
		}
	}

	// reverse order
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}

	return res
}

// applies a set of edits (in increasing location
// order) to a rune slice
func apply(s []rune, edits []edit) []rune {
	res := []rune{}

	i := 0

	for _, e := range edits {
		res = append(res, s[i:e.loc]...)
		i = e.loc

		if e.add {
			res = append(res, e.ch)
		} else {
			i++
		}
	}
	if i < len(s) {
		res = append(res, s[i:]...)
	}

	return res
}
