// Package board talks to the Trello REST API: it polls the board's action
// feed for cards moving between lists and enriches each move with the
// card's members and creator.
package board
