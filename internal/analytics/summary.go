// Package analytics aggregates engagement per category for a profile.
package analytics

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"post_pipeline/internal/domain"
)

type CategorySummary struct {
	Category      domain.Category
	Posts         int
	TotalLikes    int64
	TotalComments int64
	MeanLikes     float64
	MeanComments  float64
}

// Report holds per-category summaries ordered by descending mean likes.
// Posts without a category are only counted in Unclassified.
type Report struct {
	Categories   []CategorySummary
	Total        int
	Unclassified int
}

func Summarize(posts []domain.Post) Report {
	likes := make(map[domain.Category][]float64)
	comments := make(map[domain.Category][]float64)

	report := Report{Total: len(posts)}
	for _, p := range posts {
		if p.Category == domain.CategoryUnset {
			report.Unclassified++
			continue
		}
		likes[p.Category] = append(likes[p.Category], float64(p.LikeCount))
		comments[p.Category] = append(comments[p.Category], float64(p.CommentCount))
	}

	for category, l := range likes {
		c := comments[category]
		report.Categories = append(report.Categories, CategorySummary{
			Category:      category,
			Posts:         len(l),
			TotalLikes:    int64(sum(l)),
			TotalComments: int64(sum(c)),
			MeanLikes:     stat.Mean(l, nil),
			MeanComments:  stat.Mean(c, nil),
		})
	}

	sort.Slice(report.Categories, func(i, j int) bool {
		a, b := report.Categories[i], report.Categories[j]
		if a.MeanLikes != b.MeanLikes {
			return a.MeanLikes > b.MeanLikes
		}
		return a.Category < b.Category
	})

	return report
}

func sum(xs []float64) float64 {
	var total float64
	for _, x := range xs {
		total += x
	}
	return total
}
