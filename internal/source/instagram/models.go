package instagram

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// profileResponse is the users/web_profile_info response.
type profileResponse struct {
	Data struct {
		User *struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"user"`
	} `json:"data"`
	Status string `json:"status"`
}

// feedResponse is one page of feed/user/{id}.
type feedResponse struct {
	Items         []mediaItem `json:"items"`
	NumResults    int         `json:"num_results"`
	MoreAvailable bool        `json:"more_available"`
	NextMaxID     string      `json:"next_max_id"`
	Status        string      `json:"status"`
}

type mediaItem struct {
	PK           flexibleID `json:"pk"`
	Code         string     `json:"code"`
	TakenAt      int64      `json:"taken_at"`
	MediaType    int        `json:"media_type"`
	LikeCount    int64      `json:"like_count"`
	CommentCount int64      `json:"comment_count"`
	Caption      *caption   `json:"caption"`
}

type caption struct {
	Text string `json:"text"`
}

// loginResponse is the web login ajax response.
type loginResponse struct {
	Authenticated     bool   `json:"authenticated"`
	User              bool   `json:"user"`
	UserID            string `json:"userId"`
	Status            string `json:"status"`
	Message           string `json:"message"`
	CheckpointURL     string `json:"checkpoint_url"`
	TwoFactorRequired bool   `json:"two_factor_required"`
}

// apiError is the body Instagram returns on failures.
type apiError struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// flexibleID accepts ids encoded either as JSON numbers or strings.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*f = flexibleID(n.String())
	return nil
}
