package model

type User struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// DisplayName is the author snapshot stored on comments.
func (u User) DisplayName() string {
	return u.FirstName + " " + u.LastName
}
