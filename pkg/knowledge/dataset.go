package knowledge

import (
	"bufio"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
)

// AgeBins are the MovieLens-1M age codes; a user's age class is the index of
// their code in this slice.
var AgeBins = []int{1, 18, 25, 35, 45, 50, 56}

// NumOccupations is the number of MovieLens-1M occupation codes (0-20).
const NumOccupations = 21

// Profile holds the protected attributes of one user.
type Profile struct {
	Gender     int // 0 = M, 1 = F
	Age        int // index into AgeBins
	Occupation int
	Random     int // seeded 0/1 control attribute
}

// Dataset is a user-movie interaction graph split into train and test facts.
// Relations are rating levels (rating-1). Users are re-indexed to [0, NumUsers)
// and movies to [NumUsers, NumUsers+NumMovies).
type Dataset struct {
	UserHash  map[string]int64
	UserKeys  []string
	MovieHash map[string]int64
	MovieKeys []string

	Profiles []Profile

	Train []Triplet
	Test  []Triplet

	NumUsers     int64
	NumMovies    int64
	NumRelations int64
}

// NumEntities is NumUsers + NumMovies.
func (ds *Dataset) NumEntities() int64 {
	return ds.NumUsers + ds.NumMovies
}

// Facts builds the observed-fact set over train and test.
func (ds *Dataset) Facts() (*FactSet, error) {
	return NewFactSet(ds.Train, ds.Test)
}

// TrainFacts builds the observed-fact set over the training split only.
func (ds *Dataset) TrainFacts() (*FactSet, error) {
	return NewFactSet(ds.Train)
}

type rating struct {
	user, movie string
	relation    int64
}

// LoadMovieLens reads a ratings file (user::movie::rating[::timestamp]) and a
// users file (user::gender::age::occupation[::zip]). Whitespace separated
// lines are accepted too. Users without ratings are dropped; ratings from
// users missing in the users file are skipped.
func LoadMovieLens(ratingsFile, usersFile string, testRatio float64, seed int64) (*Dataset, error) {
	profiles, err := loadProfiles(usersFile)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(ratingsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", ratingsFile, err)
	}
	defer file.Close()

	slog.Info("loading ratings", "file", ratingsFile)

	var ratings []rating
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := splitRecord(scanner.Text())
		if len(parts) < 3 {
			continue
		}
		if _, ok := profiles[parts[0]]; !ok {
			continue
		}
		r, err := strconv.Atoi(parts[2])
		if err != nil || r < 1 {
			continue
		}
		ratings = append(ratings, rating{user: parts[0], movie: parts[1], relation: int64(r - 1)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	return build(ratings, profiles, testRatio, seed)
}

// LoadTriples reads whitespace separated "user relation movie" lines where the
// relation is an integer rating level. Every user gets the zero profile except
// the seeded random attribute.
func LoadTriples(filename string, testRatio float64, seed int64) (*Dataset, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer file.Close()

	slog.Info("loading triples", "file", filename)

	var ratings []rating
	profiles := make(map[string]Profile)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 3 {
			continue
		}
		rel, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || rel < 0 {
			continue
		}
		ratings = append(ratings, rating{user: parts[0], movie: parts[2], relation: rel})
		profiles[parts[0]] = Profile{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	return build(ratings, profiles, testRatio, seed)
}

func loadProfiles(filename string) (map[string]Profile, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer file.Close()

	profiles := make(map[string]Profile)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := splitRecord(scanner.Text())
		if len(parts) < 4 {
			continue
		}
		p := Profile{}
		if parts[1] == "F" {
			p.Gender = 1
		}
		age, err := strconv.Atoi(parts[2])
		if err != nil {
			continue
		}
		p.Age = ageClass(age)
		occ, err := strconv.Atoi(parts[3])
		if err != nil || occ < 0 || occ >= NumOccupations {
			continue
		}
		p.Occupation = occ
		profiles[parts[0]] = p
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}
	return profiles, nil
}

func ageClass(age int) int {
	class := 0
	for i, b := range AgeBins {
		if age >= b {
			class = i
		}
	}
	return class
}

func splitRecord(line string) []string {
	if strings.Contains(line, "::") {
		return strings.Split(strings.TrimSpace(line), "::")
	}
	return strings.Fields(line)
}

// build assigns ids (users first, then movies, both in first-seen order),
// attaches profiles and splits the facts.
func build(ratings []rating, profiles map[string]Profile, testRatio float64, seed int64) (*Dataset, error) {
	if len(ratings) == 0 {
		return nil, fmt.Errorf("no ratings loaded")
	}
	ds := &Dataset{
		UserHash:  make(map[string]int64),
		MovieHash: make(map[string]int64),
	}
	rng := rand.New(rand.NewSource(seed))

	for _, r := range ratings {
		if _, ok := ds.UserHash[r.user]; !ok {
			ds.UserHash[r.user] = int64(len(ds.UserKeys))
			ds.UserKeys = append(ds.UserKeys, r.user)
			p := profiles[r.user]
			p.Random = rng.Intn(2)
			ds.Profiles = append(ds.Profiles, p)
		}
		if r.relation+1 > ds.NumRelations {
			ds.NumRelations = r.relation + 1
		}
	}
	ds.NumUsers = int64(len(ds.UserKeys))

	for _, r := range ratings {
		if _, ok := ds.MovieHash[r.movie]; !ok {
			ds.MovieHash[r.movie] = ds.NumUsers + int64(len(ds.MovieKeys))
			ds.MovieKeys = append(ds.MovieKeys, r.movie)
		}
	}
	ds.NumMovies = int64(len(ds.MovieKeys))

	all := make([]Triplet, len(ratings))
	for i, r := range ratings {
		all[i] = Triplet{Left: ds.UserHash[r.user], Relation: r.relation, Right: ds.MovieHash[r.movie]}
	}
	rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })

	nTest := int(float64(len(all)) * testRatio)
	ds.Test = all[:nTest]
	ds.Train = all[nTest:]

	slog.Info("dataset loaded",
		"users", ds.NumUsers,
		"movies", ds.NumMovies,
		"relations", ds.NumRelations,
		"train", len(ds.Train),
		"test", len(ds.Test))
	return ds, nil
}

// EntityName returns the original key of an entity id.
func (ds *Dataset) EntityName(id int64) string {
	switch {
	case id < 0:
		return ""
	case id < ds.NumUsers:
		return ds.UserKeys[id]
	case id < ds.NumEntities():
		return ds.MovieKeys[id-ds.NumUsers]
	}
	return ""
}
