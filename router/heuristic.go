package router

import (
	"math"
	"strings"

	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/scenario"
)

// Profile scoring weights.
const (
	longKeywordScore  = 0.2
	shortKeywordScore = 0.14
	longKeywordRunes  = 4
	hitBonusPerHit    = 0.04
	maxHitBonus       = 0.2
	missingImagesCost = 0.25
	preferImagesBonus = 0.08
	imageOnlyBonus    = 0.35
	minProfileScore   = 0.24
	profileBase       = 0.58
	profileMinConf    = 0.55
	profileMaxConf    = 0.96
)

// Confidences of the fallback branches.
const (
	unknownWithTextConfidence    = 0.45
	unknownWithoutTextConfidence = 0.35
)

type keywordRule struct {
	subType    string
	confidence float64
	patterns   []string
}

// builtinRules is evaluated in order; the first rule with a matching pattern wins.
var builtinRules = []keywordRule{
	{subType: "figure_reasoning", confidence: 0.86, patterns: []string{"图推", "图形", "旋转", "对称", "折叠", "位置规律"}},
	{subType: "logic", confidence: 0.82, patterns: []string{"逻辑", "真假", "削弱", "加强", "推理", "论证"}},
	{subType: "language", confidence: 0.8, patterns: []string{"言语", "主旨", "填空", "病句", "语句排序", "阅读理解"}},
	{subType: "data_analysis", confidence: 0.84, patterns: []string{"资料分析", "同比", "环比", "增长率", "百分点", "数据表"}},
	{subType: "common_knowledge", confidence: 0.78, patterns: []string{"常识", "法律", "历史", "地理", "科技", "时政"}},
}

// scoreProfiles picks the best-scoring sub-type profile. It returns false
// when the scenario has no profiles or the best score is below the floor.
// Ties go to the sub-type listed first in the scenario document.
func scoreProfiles(in pipeline.Input, spec *scenario.Spec) (pipeline.Classification, bool) {
	if spec == nil || len(spec.SubTypeProfiles) == 0 {
		return pipeline.Classification{}, false
	}

	text := in.NormalizedText()
	hasImages := in.HasImages()

	best, bestScore, found := "", 0.0, false
	for _, st := range spec.SubTypes() {
		hints := spec.SubTypeProfiles[st].ClassifierHints

		score, hits := 0.0, 0
		for _, kw := range normalizeKeywords(hints.Keywords) {
			if text != "" && strings.Contains(text, kw) {
				hits++
				if len([]rune(kw)) >= longKeywordRunes {
					score += longKeywordScore
				} else {
					score += shortKeywordScore
				}
			}
		}
		if hits > 0 {
			score += math.Min(maxHitBonus, float64(hits)*hitBonusPerHit)
		}
		if hints.RequireImages && !hasImages {
			score -= missingImagesCost
		}
		if hints.PreferImages && hasImages {
			score += preferImagesBonus
		}
		if text == "" && hasImages && hints.ImageOnlyDefault {
			score += imageOnlyBonus
		}

		if !found || score > bestScore {
			best, bestScore, found = st, score, true
		}
	}

	if bestScore < minProfileScore {
		return pipeline.Classification{}, false
	}
	return pipeline.Classification{
		SubType:    best,
		Confidence: pipeline.Round2(clamp(profileBase+bestScore, profileMinConf, profileMaxConf)),
		Source:     pipeline.SourceProfileHeuristic,
	}, true
}

// ruleHeuristic applies the built-in keyword rules.
func (c *Classifier) ruleHeuristic(in pipeline.Input) pipeline.Classification {
	text := in.NormalizedText()
	if text == "" {
		if in.HasImages() {
			return pipeline.Classification{
				SubType:    c.cfg.ImageOnlySubType,
				Confidence: c.cfg.ImageOnlyConfidence,
				Source:     pipeline.SourceHeuristicImages,
			}
		}
		return pipeline.Classification{
			SubType:    pipeline.SubTypeUnknown,
			Confidence: unknownWithoutTextConfidence,
			Source:     pipeline.SourceHeuristic,
		}
	}

	for _, rule := range builtinRules {
		for _, p := range rule.patterns {
			if strings.Contains(text, p) {
				return pipeline.Classification{
					SubType:    rule.subType,
					Confidence: rule.confidence,
					Source:     pipeline.SourceHeuristic,
				}
			}
		}
	}

	return pipeline.Classification{
		SubType:    pipeline.SubTypeUnknown,
		Confidence: unknownWithTextConfidence,
		Source:     pipeline.SourceHeuristic,
	}
}

func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

func clamp(f, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, f))
}
